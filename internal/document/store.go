package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"coedit/internal/models"
	"coedit/internal/utils"
)

var (
	ErrInvalidOperation = errors.New("invalid_operation")
	ErrResyncRequired   = errors.New("resync_required")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidDocument  = errors.New("invalid_document")
)

const defaultLockTimeout = 2 * time.Second

// SnapshotStore persists canonical document state outside the process.
type SnapshotStore interface {
	Load(ctx context.Context, id string) (models.DocState, bool, error)
	Save(ctx context.Context, id string, doc models.DocState) error
}

// Publisher is invoked while the document lock is held, with the state after
// the call. err is nil for an accepted operation, otherwise the rejection.
// It must only enqueue; it must not block on network I/O.
type Publisher func(doc models.DocState, err error)

type document struct {
	id    string
	sem   chan struct{} // 1 slot; holding it means Applying
	state models.DocState
	dirty atomic.Bool
}

func newDocument(id string, initial models.DocState) *document {
	return &document{id: id, sem: make(chan struct{}, 1), state: initial}
}

func (d *document) release() { <-d.sem }

// Store owns the canonical text of every open document.
type Store struct {
	mu          sync.RWMutex
	docs        map[string]*document
	loads       singleflight.Group
	snapshots   SnapshotStore
	lockTimeout time.Duration
	log         *utils.Logger
}

type Option func(*Store)

func WithSnapshots(s SnapshotStore) Option { return func(st *Store) { st.snapshots = s } }

func WithLockTimeout(d time.Duration) Option {
	return func(st *Store) {
		if d > 0 {
			st.lockTimeout = d
		}
	}
}

func WithLogger(l *utils.Logger) Option { return func(st *Store) { st.log = l } }

func NewStore(opts ...Option) *Store {
	s := &Store{docs: make(map[string]*document), lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = utils.NewLogger()
	}
	return s
}

// get returns the document, creating it on first use. Concurrent first uses of
// one id share a single snapshot load.
func (s *Store) get(ctx context.Context, id string) (*document, error) {
	if id == "" {
		return nil, ErrInvalidDocument
	}
	s.mu.RLock()
	d, ok := s.docs[id]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := s.loads.Do(id, func() (any, error) {
		s.mu.RLock()
		d, ok := s.docs[id]
		s.mu.RUnlock()
		if ok {
			return d, nil
		}

		var initial models.DocState
		if s.snapshots != nil {
			st, found, err := s.snapshots.Load(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load snapshot %s: %w", id, err)
			}
			if found {
				initial = st
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.docs[id]; ok {
			return existing, nil
		}
		d = newDocument(id, initial)
		s.docs[id] = d
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*document), nil
}

// acquire waits for the document lock. Waiters are admitted in arrival order.
func (s *Store) acquire(ctx context.Context, d *document) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: document %s busy for %s", ErrTimeout, d.id, s.lockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Apply validates op against the canonical text of id and applies it.
// On success the revision is incremented and the new state returned; on
// rejection the unchanged canonical state is returned together with
// ErrInvalidOperation or ErrResyncRequired. clientRevision is only logged.
func (s *Store) Apply(ctx context.Context, id string, op Operation, clientRevision int64, publish Publisher) (models.DocState, error) {
	d, err := s.get(ctx, id)
	if err != nil {
		return models.DocState{}, err
	}
	if err := s.acquire(ctx, d); err != nil {
		return models.DocState{}, err
	}
	defer d.release()

	next, err := op.applyTo(d.state.Text)
	if err != nil {
		if errors.Is(err, ErrResyncRequired) {
			s.log.Warn("divergent edit rejected", "doc", id, "revision", d.state.Revision, "clientRevision", clientRevision)
		}
		if publish != nil {
			publish(d.state, err)
		}
		return d.state, err
	}

	d.state = models.DocState{Text: next, Revision: d.state.Revision + 1}
	d.dirty.Store(true)
	if publish != nil {
		publish(d.state, nil)
	}
	return d.state, nil
}

// Snapshot reads the canonical state under the document lock. deliver, when
// non-nil, runs before the lock is released so it is ordered with broadcasts.
func (s *Store) Snapshot(ctx context.Context, id string, deliver func(models.DocState)) (models.DocState, error) {
	d, err := s.get(ctx, id)
	if err != nil {
		return models.DocState{}, err
	}
	if err := s.acquire(ctx, d); err != nil {
		return models.DocState{}, err
	}
	defer d.release()
	if deliver != nil {
		deliver(d.state)
	}
	return d.state, nil
}

// loaded is the number of documents held in memory.
func (s *Store) loaded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// takeDirty copies the state of a modified document and clears its dirty mark.
func (s *Store) takeDirty(ctx context.Context, d *document) (models.DocState, bool, error) {
	if !d.dirty.Load() {
		return models.DocState{}, false, nil
	}
	if err := s.acquire(ctx, d); err != nil {
		return models.DocState{}, false, err
	}
	defer d.release()
	if !d.dirty.CompareAndSwap(true, false) {
		return models.DocState{}, false, nil
	}
	return d.state, true, nil
}

func (s *Store) flush(ctx context.Context, d *document) error {
	state, ok, err := s.takeDirty(ctx, d)
	if err != nil || !ok {
		return err
	}
	if err := s.snapshots.Save(ctx, d.id, state); err != nil {
		d.dirty.Store(true)
		return fmt.Errorf("save snapshot %s: %w", d.id, err)
	}
	return nil
}

// Flush writes every modified document to the snapshot store. Saves happen
// outside the document lock.
func (s *Store) Flush(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	s.mu.RLock()
	docs := make([]*document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	var errs []error
	for _, d := range docs {
		if err := s.flush(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FlushDocument writes one document if it has unsaved changes.
func (s *Store) FlushDocument(ctx context.Context, id string) error {
	if s.snapshots == nil {
		return nil
	}
	s.mu.RLock()
	d, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.flush(ctx, d)
}

// RunFlusher flushes on every tick until ctx is done, then once more.
func (s *Store) RunFlusher(ctx context.Context, interval time.Duration) {
	if s.snapshots == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Error("snapshot flush failed", "error", err.Error())
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(final); err != nil {
				s.log.Error("final snapshot flush failed", "error", err.Error())
			}
			cancel()
			return
		}
	}
}
