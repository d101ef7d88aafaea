package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/composition"
)

// Pending is a session snapshot that has not been persisted yet
type Pending struct {
	SessionID string
	Revision  uint64
	Snapshot  composition.Snapshot
}

// Sessions is the set of open editing sessions
type Sessions interface {
	// Unsaved returns the sessions changed since their last save
	Unsaved() []Pending
	// MarkSaved records that revision of a session is persisted
	MarkSaved(sessionID string, revision uint64)
	// CloseIdle ends sessions untouched for longer than idle
	CloseIdle(ctx context.Context, idle time.Duration) []string
}

// Saver persists snapshots
type Saver interface {
	Save(ctx context.Context, snap composition.Snapshot) error
}

// Recorder counts autosave outcomes
type Recorder interface {
	RecordAutosave(err error)
}

// Config holds the maintenance schedules. An empty spec disables the job.
type Config struct {
	Autosave    string
	Sweep       string
	IdleTimeout time.Duration
}

// Maintenance persists changed sessions and closes idle ones
type Maintenance struct {
	sessions Sessions
	saver    Saver
	rec      Recorder
	log      *zap.Logger
	idle     time.Duration
}

// NewMaintenance creates the maintenance jobs. rec may be nil.
func NewMaintenance(sessions Sessions, saver Saver, idle time.Duration, rec Recorder, log *zap.Logger) *Maintenance {
	if log == nil {
		log = zap.NewNop()
	}
	return &Maintenance{sessions: sessions, saver: saver, rec: rec, log: log, idle: idle}
}

// Autosave saves every unsaved session. Failures are logged and retried on
// the next run; the error reports how many failed.
func (m *Maintenance) Autosave(ctx context.Context) error {
	failed := 0
	pending := m.sessions.Unsaved()
	for _, p := range pending {
		err := m.saver.Save(ctx, p.Snapshot)
		if m.rec != nil {
			m.rec.RecordAutosave(err)
		}
		if err != nil {
			failed++
			m.log.Warn("autosave failed",
				zap.String("session_id", p.SessionID),
				zap.String("dashboard_id", p.Snapshot.DashboardID),
				zap.Error(err),
			)
			continue
		}
		m.sessions.MarkSaved(p.SessionID, p.Revision)
	}
	if failed > 0 {
		return fmt.Errorf("autosave: %d of %d sessions failed", failed, len(pending))
	}
	if len(pending) > 0 {
		m.log.Debug("autosaved sessions", zap.Int("count", len(pending)))
	}
	return nil
}

// Sweep closes sessions idle for longer than the configured timeout
func (m *Maintenance) Sweep(ctx context.Context) error {
	if m.idle <= 0 {
		return nil
	}
	closed := m.sessions.CloseIdle(ctx, m.idle)
	if len(closed) > 0 {
		m.log.Info("closed idle sessions", zap.Strings("session_ids", closed))
	}
	return nil
}

// Register schedules the maintenance jobs
func (m *Maintenance) Register(s *Scheduler, cfg Config) error {
	if cfg.Autosave != "" {
		if err := s.Add("autosave", cfg.Autosave, m.Autosave); err != nil {
			return err
		}
	}
	if cfg.Sweep != "" && m.idle > 0 {
		if err := s.Add("idle-sweep", cfg.Sweep, m.Sweep); err != nil {
			return err
		}
	}
	return nil
}
