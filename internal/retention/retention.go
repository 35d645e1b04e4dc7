// Package retention prunes old successful backups on behalf of the server
// process. The engine itself never deletes history.
package retention

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/TheGojiOG/pvebackup/internal/history"
	"github.com/TheGojiOG/pvebackup/internal/logging"
)

// Backups is the part of the engine retention needs
type Backups interface {
	ListHistory(ctx context.Context) ([]history.Record, error)
	DeleteHistoryRecord(ctx context.Context, id string, purgeRemote bool) error
}

// Manager keeps the newest Keep successful backups
type Manager struct {
	backups Backups
	keep    int
	log     *slog.Logger
	mu      sync.Mutex
}

// NewManager creates a retention manager. keep <= 0 keeps everything.
func NewManager(backups Backups, keep int) *Manager {
	return &Manager{
		backups: backups,
		keep:    keep,
		log:     logging.Component("retention"),
	}
}

// Enforce deletes successful records beyond the newest keep, together with their
// remote artifacts. Failed and cancelled records are left alone. A record whose
// artifact cannot be removed is kept and reported in the returned count of failures.
func (m *Manager) Enforce(ctx context.Context) (deleted, failed int, err error) {
	if m.keep <= 0 {
		return 0, 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backups.ListHistory(ctx)
	if err != nil {
		return 0, 0, err
	}

	var successful []history.Record
	for _, r := range records {
		if r.Status == history.StatusSuccess {
			successful = append(successful, r)
		}
	}
	if len(successful) <= m.keep {
		return 0, 0, nil
	}

	sort.SliceStable(successful, func(i, j int) bool {
		return successful[i].CompletedAt.After(successful[j].CompletedAt)
	})

	for _, r := range successful[m.keep:] {
		if err := m.backups.DeleteHistoryRecord(ctx, r.ID, true); err != nil {
			m.log.Warn("retention_delete_failed", "record_id", r.ID, "artifact", r.Filename, "error", err)
			failed++
			continue
		}
		deleted++
	}

	m.log.Info("retention_enforced", "keep", m.keep, "deleted", deleted, "failed", failed)
	return deleted, failed, nil
}
