// Package selection holds the set of filesystem paths offered for backup.
package selection

import (
	"fmt"
	"strings"
	"sync"

	"github.com/TheGojiOG/pvebackup/internal/config"
	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// Entry is one selectable path. Identity is Path.
type Entry struct {
	Path        string `json:"path"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Critical    bool   `json:"critical"`
	Selected    bool   `json:"selected"`
}

// Summary counts selected and critical entries
type Summary struct {
	Total            int  `json:"total"`
	Selected         int  `json:"selected"`
	CriticalTotal    int  `json:"critical_total"`
	CriticalSelected int  `json:"critical_selected"`
	Incomplete       bool `json:"critical_incomplete"`
}

// Arena keeps entries in insertion order and addresses them by path.
type Arena struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
}

// NewArena builds an arena from entries. Duplicate or empty paths are rejected.
func NewArena(entries []Entry) (*Arena, error) {
	a := &Arena{}
	if err := a.Replace(entries); err != nil {
		return nil, err
	}
	return a, nil
}

// FromCatalog converts configured catalog entries
func FromCatalog(catalog []config.CatalogEntry) []Entry {
	entries := make([]Entry, 0, len(catalog))
	for _, c := range catalog {
		entries = append(entries, Entry{
			Path:        c.Path,
			Label:       c.Label,
			Description: c.Description,
			Critical:    c.Critical,
			Selected:    c.Selected,
		})
	}
	return entries
}

// Replace swaps the whole entry set
func (a *Arena) Replace(entries []Entry) error {
	order := make([]string, 0, len(entries))
	byPath := make(map[string]*Entry, len(entries))
	for i, e := range entries {
		path := strings.TrimSpace(e.Path)
		if path == "" {
			return failure.Newf("selection", "replace", failure.InvalidConfiguration, "entry %d has an empty path", i)
		}
		if _, dup := byPath[path]; dup {
			return failure.Newf("selection", "replace", failure.InvalidConfiguration, "duplicate path %s", path)
		}
		copied := e
		copied.Path = path
		byPath[path] = &copied
		order = append(order, path)
	}

	a.mu.Lock()
	a.order = order
	a.entries = byPath
	a.mu.Unlock()
	return nil
}

// Toggle flips the selected flag of the entry at path and returns the new state.
func (a *Arena) Toggle(path string) (Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[path]
	if !ok {
		return Entry{}, failure.New("selection", "toggle", failure.NotFound, fmt.Errorf("no entry for path %s", path))
	}
	e.Selected = !e.Selected
	return *e, nil
}

// Set forces the selected flag of the entry at path
func (a *Arena) Set(path string, selected bool) (Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[path]
	if !ok {
		return Entry{}, failure.New("selection", "set", failure.NotFound, fmt.Errorf("no entry for path %s", path))
	}
	e.Selected = selected
	return *e, nil
}

// Get returns the entry at path
func (a *Arena) Get(path string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a copy of all entries in order
func (a *Arena) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Entry, 0, len(a.order))
	for _, path := range a.order {
		out = append(out, *a.entries[path])
	}
	return out
}

// Selected returns the selected entries in order
func (a *Arena) Selected() []Entry {
	return SelectedOf(a.Entries())
}

// CriticalIncomplete reports whether any critical entry is deselected
func (a *Arena) CriticalIncomplete() bool {
	return a.Summary().Incomplete
}

// Summary counts the current selection
func (a *Arena) Summary() Summary {
	return Summarize(a.Entries())
}

// SelectedOf filters entries down to the selected ones, keeping order
func SelectedOf(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Selected {
			out = append(out, e)
		}
	}
	return out
}

// Summarize counts entries
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		s.Total++
		if e.Selected {
			s.Selected++
		}
		if e.Critical {
			s.CriticalTotal++
			if e.Selected {
				s.CriticalSelected++
			}
		}
	}
	s.Incomplete = s.CriticalSelected < s.CriticalTotal
	return s
}
