package web

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/composition"
	"github.com/cozy-insight/composer/internal/jobs"
)

// Session is one open editing session. The controller is not safe for
// concurrent use, so every access goes through the session lock.
type Session struct {
	ID        string
	Subject   string
	CreatedAt time.Time

	mu       sync.Mutex
	ctrl     *composition.Controller
	revision uint64
	saved    uint64
	touched  time.Time
	now      func() time.Time
}

// View runs fn with the controller without counting a change
func (s *Session) View(fn func(c *composition.Controller) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = s.now()
	return fn(s.ctrl)
}

// Update runs fn with the controller and counts a change when fn succeeds
func (s *Session) Update(fn func(c *composition.Controller) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = s.now()
	if err := fn(s.ctrl); err != nil {
		return err
	}
	s.revision++
	return nil
}

// Revision counts the successful changes of the session
func (s *Session) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Session) markSaved(revision uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if revision > s.saved {
		s.saved = revision
	}
}

// SessionObserver counts open sessions
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// Sessions is the registry of open sessions
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	observer SessionObserver
	onClose  []func(id string)
	now      func() time.Time
	log      *zap.Logger
}

// NewSessions creates an empty registry. observer may be nil.
func NewSessions(observer SessionObserver, log *zap.Logger) *Sessions {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sessions{
		sessions: make(map[string]*Session),
		observer: observer,
		now:      time.Now,
		log:      log,
	}
}

// OnClose registers fn to run after a session is closed
func (r *Sessions) OnClose(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// Add registers a controller under id
func (r *Sessions) Add(id, subject string, ctrl *composition.Controller) *Session {
	now := r.now()
	s := &Session{ID: id, Subject: subject, CreatedAt: now, ctrl: ctrl, touched: now, now: r.now}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.SessionOpened()
	}
	r.log.Info("session opened",
		zap.String("session_id", id),
		zap.String("subject", subject),
		zap.String("dataset_id", ctrl.Catalog().DatasetID()),
	)
	return s
}

// Get returns an open session
func (r *Sessions) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len returns the number of open sessions
func (r *Sessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the open session ids, sorted
func (r *Sessions) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close ends a session and drops it from the registry
func (r *Sessions) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	hooks := append([]func(string){}, r.onClose...)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	err := s.ctrl.Close(ctx)
	s.mu.Unlock()

	if r.observer != nil {
		r.observer.SessionClosed()
	}
	for _, fn := range hooks {
		fn(id)
	}
	if err != nil {
		r.log.Warn("session closed with error", zap.String("session_id", id), zap.Error(err))
		return err
	}
	r.log.Info("session closed", zap.String("session_id", id))
	return nil
}

// CloseAll ends every session
func (r *Sessions) CloseAll(ctx context.Context) {
	for _, id := range r.IDs() {
		_ = r.Close(ctx, id)
	}
}

// Unsaved returns a snapshot of every session with a dashboard that changed
// since it was last saved, skipping sessions whose caller may not save
func (r *Sessions) Unsaved() []jobs.Pending {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var out []jobs.Pending
	for _, s := range all {
		s.mu.Lock()
		if s.revision > s.saved && s.ctrl.DashboardID() != "" && s.ctrl.Permits(context.Background(), composition.OpSnapshot) {
			snap, err := s.ctrl.Snapshot()
			if err == nil {
				out = append(out, jobs.Pending{SessionID: s.ID, Revision: s.revision, Snapshot: snap})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// MarkSaved records that revision of a session is persisted
func (r *Sessions) MarkSaved(id string, revision uint64) {
	if s, err := r.Get(id); err == nil {
		s.markSaved(revision)
	}
}

// CloseIdle ends the sessions untouched for longer than idle and returns
// their ids
func (r *Sessions) CloseIdle(ctx context.Context, idle time.Duration) []string {
	cutoff := r.now().Add(-idle)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		s.mu.Lock()
		if s.touched.Before(cutoff) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Strings(stale)
	closed := stale[:0]
	for _, id := range stale {
		if err := r.Close(ctx, id); !errors.Is(err, ErrSessionNotFound) {
			closed = append(closed, id)
		}
	}
	return closed
}

var _ jobs.Sessions = (*Sessions)(nil)
