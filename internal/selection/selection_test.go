package selection

import (
	"errors"
	"testing"

	"github.com/TheGojiOG/pvebackup/internal/config"
	"github.com/TheGojiOG/pvebackup/internal/failure"
)

func TestArenaTogglesByPath(t *testing.T) {
	arena, err := NewArena(FromCatalog(config.DefaultCatalog()))
	if err != nil {
		t.Fatalf("failed to build arena: %v", err)
	}

	if arena.CriticalIncomplete() {
		t.Fatalf("default catalog selects all critical entries")
	}

	entry, err := arena.Toggle("/etc/pve/")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if entry.Selected {
		t.Fatalf("expected /etc/pve/ to be deselected")
	}
	if !arena.CriticalIncomplete() {
		t.Fatalf("expected incompleteness flag after deselecting a critical entry")
	}

	summary := arena.Summary()
	if summary.CriticalTotal != 2 || summary.CriticalSelected != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := arena.Toggle("/does/not/exist"); !errors.Is(err, failure.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestArenaKeepsOrderAcrossReplace(t *testing.T) {
	arena, err := NewArena([]Entry{
		{Path: "/b", Selected: true},
		{Path: "/a", Selected: false},
		{Path: "/c", Selected: true},
	})
	if err != nil {
		t.Fatalf("failed to build arena: %v", err)
	}

	selected := arena.Selected()
	if len(selected) != 2 || selected[0].Path != "/b" || selected[1].Path != "/c" {
		t.Fatalf("unexpected selected order %+v", selected)
	}

	if _, err := arena.Set("/a", true); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	entries := arena.Entries()
	if entries[1].Path != "/a" || !entries[1].Selected {
		t.Fatalf("expected /a selected in place, got %+v", entries)
	}
}

func TestArenaRejectsDuplicates(t *testing.T) {
	_, err := NewArena([]Entry{{Path: "/etc/hosts"}, {Path: "/etc/hosts"}})
	if !errors.Is(err, failure.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
	if _, err := NewArena([]Entry{{Path: "  "}}); err == nil {
		t.Fatalf("expected empty path rejection")
	}
}

func TestEntriesReturnsCopies(t *testing.T) {
	arena, _ := NewArena([]Entry{{Path: "/etc/hosts", Selected: true}})
	entries := arena.Entries()
	entries[0].Selected = false

	if e, _ := arena.Get("/etc/hosts"); !e.Selected {
		t.Fatalf("mutating a returned slice must not change the arena")
	}
}
