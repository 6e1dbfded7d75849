package document

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coedit/internal/models"
)

type memSnapshots struct {
	mu      sync.Mutex
	docs    map[string]models.DocState
	loads   atomic.Int32
	loadErr error
	saveErr error
}

func newMemSnapshots() *memSnapshots { return &memSnapshots{docs: make(map[string]models.DocState)} }

func (m *memSnapshots) Load(_ context.Context, id string) (models.DocState, bool, error) {
	m.loads.Add(1)
	time.Sleep(5 * time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return models.DocState{}, false, m.loadErr
	}
	doc, ok := m.docs[id]
	return doc, ok, nil
}

func (m *memSnapshots) Save(_ context.Context, id string, doc models.DocState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.docs[id] = doc
	return nil
}

func (m *memSnapshots) get(id string) (models.DocState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

func TestStoreCreatesDocumentLazily(t *testing.T) {
	store := NewStore()
	if store.loaded() != 0 {
		t.Fatalf("expected empty store")
	}
	doc, err := store.Snapshot(context.Background(), "a", nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if doc.Text != "" || doc.Revision != 0 {
		t.Fatalf("unexpected initial doc: %#v", doc)
	}
	if store.loaded() != 1 {
		t.Fatalf("expected one document, got %d", store.loaded())
	}
}

func TestStoreRejectsEmptyID(t *testing.T) {
	store := NewStore()
	if _, err := store.Apply(context.Background(), "", Insert(0, "x"), 0, nil); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
}

func TestStoreApplyIncrementsRevision(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	doc, err := store.Apply(ctx, "a", Replace("int main(){}"), 0, nil)
	if err != nil || doc.Revision != 1 {
		t.Fatalf("unexpected replace result %#v err=%v", doc, err)
	}
	doc, err = store.Apply(ctx, "a", Insert(12, "\n"), 1, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if doc.Text != "int main(){}\n" || doc.Revision != 2 {
		t.Fatalf("unexpected doc after insert: %#v", doc)
	}
}

func TestStoreReplaceTwiceIncrementsBothTimes(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	first, _ := store.Apply(ctx, "a", Replace("same"), 0, nil)
	second, err := store.Apply(ctx, "a", Replace("same"), 0, nil)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if first.Text != second.Text || second.Revision != first.Revision+1 {
		t.Fatalf("expected same text and bumped revision, got %#v then %#v", first, second)
	}
}

func TestStoreDivergentDeleteNeverMutates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, _ = store.Apply(ctx, "a", Replace("int main(){}"), 0, nil)
	_, _ = store.Apply(ctx, "a", Insert(0, "\n"), 1, nil)

	var published []error
	doc, err := store.Apply(ctx, "a", Delete(0, "int"), 1, func(_ models.DocState, err error) {
		published = append(published, err)
	})
	if !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("expected resync required, got %v", err)
	}
	if doc.Text != "\nint main(){}" || doc.Revision != 2 {
		t.Fatalf("expected canonical state returned unchanged, got %#v", doc)
	}
	if len(published) != 1 || !errors.Is(published[0], ErrResyncRequired) {
		t.Fatalf("expected rejection published once, got %#v", published)
	}

	after, _ := store.Snapshot(ctx, "a", nil)
	if after != doc {
		t.Fatalf("document mutated by rejected delete: %#v", after)
	}
}

func TestStoreInvalidOperationKeepsState(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, _ = store.Apply(ctx, "a", Replace("abc"), 0, nil)
	doc, err := store.Apply(ctx, "a", Insert(10, "x"), 1, nil)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if doc.Text != "abc" || doc.Revision != 1 {
		t.Fatalf("unexpected state after invalid op: %#v", doc)
	}
}

func TestStoreHugeDeletePositionIsInvalid(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	_, _ = store.Apply(ctx, "a", Replace("abc"), 0, nil)
	doc, err := store.Apply(ctx, "a", Delete(math.MaxInt, "x"), 1, nil)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if doc.Text != "abc" || doc.Revision != 1 {
		t.Fatalf("unexpected state after invalid delete: %#v", doc)
	}
}

func TestStoreSerializesConcurrentApplies(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	const writers = 50

	var revisions []int64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Apply(ctx, "a", Insert(0, "x"), 0, func(doc models.DocState, err error) {
				if err == nil {
					revisions = append(revisions, doc.Revision)
				}
			})
			if err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	doc, _ := store.Snapshot(ctx, "a", nil)
	if doc.Text != strings.Repeat("x", writers) || doc.Revision != writers {
		t.Fatalf("lost update: %#v", doc)
	}
	if len(revisions) != writers {
		t.Fatalf("expected %d publishes, got %d", writers, len(revisions))
	}
	for i, rev := range revisions {
		if rev != int64(i+1) {
			t.Fatalf("publish order broken at %d: %v", i, revisions)
		}
	}
}

func TestStoreDocumentsAreIndependent(t *testing.T) {
	store := NewStore(WithLockTimeout(50 * time.Millisecond))
	ctx := context.Background()
	busy, err := store.get(ctx, "busy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	busy.sem <- struct{}{}
	defer busy.release()

	if _, err := store.Apply(ctx, "free", Insert(0, "x"), 0, nil); err != nil {
		t.Fatalf("unrelated document blocked: %v", err)
	}
}

func TestStoreLockTimeout(t *testing.T) {
	store := NewStore(WithLockTimeout(20 * time.Millisecond))
	ctx := context.Background()
	d, err := store.get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	d.sem <- struct{}{}

	if _, err := store.Apply(ctx, "a", Insert(0, "x"), 0, nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, err := store.Snapshot(ctx, "a", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected snapshot timeout, got %v", err)
	}

	d.release()
	doc, err := store.Apply(ctx, "a", Insert(0, "x"), 0, nil)
	if err != nil || doc.Text != "x" {
		t.Fatalf("expected lock to be usable after release, got %#v err=%v", doc, err)
	}
}

func TestStoreCancelledContextTimesOut(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = store.Snapshot(context.Background(), "a", nil)
	cancel()
	if _, err := store.Apply(ctx, "a", Insert(0, "x"), 0, nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout on cancelled context, got %v", err)
	}
	doc, _ := store.Snapshot(context.Background(), "a", nil)
	if doc.Revision != 0 {
		t.Fatalf("cancelled apply mutated the document: %#v", doc)
	}
}

func TestStoreSeedsFromSnapshotsOnce(t *testing.T) {
	snaps := newMemSnapshots()
	snaps.docs["a"] = models.DocState{Text: "seeded", Revision: 7}
	store := NewStore(WithSnapshots(snaps))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := store.Snapshot(context.Background(), "a", nil)
			if err != nil || doc.Text != "seeded" || doc.Revision != 7 {
				t.Errorf("unexpected seeded doc %#v err=%v", doc, err)
			}
		}()
	}
	wg.Wait()
	if n := snaps.loads.Load(); n != 1 {
		t.Fatalf("expected a single snapshot load, got %d", n)
	}
}

func TestStoreLoadErrorIsReturned(t *testing.T) {
	snaps := newMemSnapshots()
	snaps.loadErr = errors.New("redis down")
	store := NewStore(WithSnapshots(snaps))
	if _, err := store.Snapshot(context.Background(), "a", nil); err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Fatalf("expected load error, got %v", err)
	}
	if store.loaded() != 0 {
		t.Fatalf("failed load must not create the document")
	}
}

func TestStoreFlushWritesDirtyDocuments(t *testing.T) {
	snaps := newMemSnapshots()
	store := NewStore(WithSnapshots(snaps))
	ctx := context.Background()

	_, _ = store.Snapshot(ctx, "clean", nil)
	_, _ = store.Apply(ctx, "a", Replace("hello"), 0, nil)
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if doc, ok := snaps.get("a"); !ok || doc.Text != "hello" || doc.Revision != 1 {
		t.Fatalf("expected flushed doc, got %#v ok=%v", doc, ok)
	}
	if _, ok := snaps.get("clean"); ok {
		t.Fatalf("clean document should not be written")
	}
}

func TestStoreFlushRetriesAfterSaveError(t *testing.T) {
	snaps := newMemSnapshots()
	snaps.saveErr = errors.New("write failed")
	store := NewStore(WithSnapshots(snaps))
	ctx := context.Background()
	_, _ = store.Apply(ctx, "a", Replace("v1"), 0, nil)

	if err := store.FlushDocument(ctx, "a"); err == nil {
		t.Fatalf("expected save error")
	}

	snaps.mu.Lock()
	snaps.saveErr = nil
	snaps.mu.Unlock()
	if err := store.FlushDocument(ctx, "a"); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if doc, ok := snaps.get("a"); !ok || doc.Text != "v1" {
		t.Fatalf("expected document saved on retry, got %#v ok=%v", doc, ok)
	}
}

func TestStoreFlushWithoutSnapshotsIsNoop(t *testing.T) {
	store := NewStore()
	_, _ = store.Apply(context.Background(), "a", Replace("x"), 0, nil)
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := store.FlushDocument(context.Background(), "missing"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestStoreRunFlusherFinalFlush(t *testing.T) {
	snaps := newMemSnapshots()
	store := NewStore(WithSnapshots(snaps))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunFlusher(ctx, time.Hour)
		close(done)
	}()

	_, _ = store.Apply(context.Background(), "a", Replace("bye"), 0, nil)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("flusher did not stop")
	}
	if doc, ok := snaps.get("a"); !ok || doc.Text != "bye" {
		t.Fatalf("expected final flush, got %#v ok=%v", doc, ok)
	}
}
