package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type catalogMap map[string]*Catalog

func (m catalogMap) Catalog(_ context.Context, tenantID string) (*Catalog, error) {
	cat, ok := m[tenantID]
	if !ok {
		return nil, ErrUnknownCategory
	}
	return cat, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

type failingStore struct {
	*InMemory
	failCommit error
}

func (s *failingStore) Commit(ctx context.Context, b Batch) error {
	if s.failCommit != nil {
		return s.failCommit
	}
	return s.InMemory.Commit(ctx, b)
}

func newTestService(t *testing.T, store Store) (*Service, *recordingNotifier) {
	t.Helper()
	var (
		mu  sync.Mutex
		seq int
	)
	keys := func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("k%03d", seq)
	}
	clock := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	n := &recordingNotifier{}
	svc := NewService(store, catalogMap{"club-1": testCatalog(t)},
		WithKeyFunc(keys), WithClock(clock), WithNotifier(n))
	return svc, n
}

func join(t *testing.T, svc *Service, member string, entry Date) Record {
	t.Helper()
	rec, err := svc.Create(context.Background(), "clerk", NewRecord{
		TenantID:    "club-1",
		MemberKey:   member,
		MemberName1: "Ada",
		OrgKey:      "org-1",
		OrgName:     "Rowing Club",
		Category:    "active",
		DateOfEntry: entry,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestServiceChangeCategoryCommitsBothRecords(t *testing.T) {
	store := NewInMemory()
	svc, notes := newTestService(t, store)
	ctx := context.Background()

	rec := join(t, svc, "m-1", "20230101")
	if rec.Version != 1 || rec.Order != 1 || rec.RelLog != "20230101:A" {
		t.Fatalf("unexpected created record: %+v", rec)
	}

	tr, err := svc.ChangeCategory(ctx, "clerk", "club-1", rec.Key, "passive", "20240301")
	if err != nil {
		t.Fatalf("ChangeCategory: %v", err)
	}
	if tr.Closed.Version != 2 || tr.Opened.Version != 1 {
		t.Fatalf("unexpected versions: closed=%d opened=%d", tr.Closed.Version, tr.Opened.Version)
	}

	stored, err := store.Get(ctx, "club-1", rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if stored.DateOfExit != "20240229" || stored.RelIsLast {
		t.Fatalf("old record not closed: %+v", stored)
	}
	thread, err := svc.Thread(ctx, "club-1", rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 2 || thread[1].Key != tr.Opened.Key || thread[1].RelLog != "20230101:A;20240229:A;20240301:P" {
		t.Fatalf("unexpected thread: %+v", thread)
	}

	for _, key := range []string{rec.Key, tr.Opened.Key} {
		comments, err := svc.Comments(ctx, "club-1", key)
		if err != nil {
			t.Fatal(err)
		}
		last := comments[len(comments)-1]
		if last.Text() != "category changed from active to passive on 20240301" {
			t.Fatalf("unexpected comment on %s: %q", key, last.Text())
		}
	}

	if len(notes.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(notes.events))
	}
	if notes.events[1].Type != EventSuperseded || notes.events[2].Type != EventCreated {
		t.Fatalf("unexpected event order: %+v", notes.events)
	}
}

func TestServiceFailedCommitLeavesRecordOpen(t *testing.T) {
	mem := NewInMemory()
	store := &failingStore{InMemory: mem}
	svc, _ := newTestService(t, store)
	rec := join(t, svc, "m-1", "20230101")

	store.failCommit = errors.New("network down")
	_, err := svc.ChangeCategory(context.Background(), "clerk", "club-1", rec.Key, "passive", "20240301")
	if err == nil || !errors.Is(err, store.failCommit) {
		t.Fatalf("expected wrapped persistence error, got %v", err)
	}
	cur, _ := mem.Get(context.Background(), "club-1", rec.Key)
	if cur.Phase() != PhaseOpen || cur.Version != rec.Version {
		t.Fatalf("record changed despite failed commit: %+v", cur)
	}
}

func TestServiceEnd(t *testing.T) {
	svc, _ := newTestService(t, NewInMemory())
	ctx := context.Background()
	rec := join(t, svc, "m-1", "20230101")

	ended, err := svc.End(ctx, "clerk", "club-1", rec.Key, "20250615")
	if err != nil {
		t.Fatal(err)
	}
	if ended.DateOfExit != "20250615" || !ended.RelIsLast || ended.RelLog != "20230101:A;20250615:X" {
		t.Fatalf("unexpected ended record: %+v", ended)
	}

	_, err = svc.End(ctx, "clerk", "club-1", rec.Key, "20250701")
	if !errors.Is(err, ErrNotOpen) || !IsPrecondition(err) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	again, _ := svc.Get(ctx, "club-1", rec.Key)
	if again != ended {
		t.Fatalf("rejected End modified the record: %+v", again)
	}

	if _, err := svc.End(ctx, "clerk", "club-1", "missing", "20250701"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServiceRejoinStartsNewStint(t *testing.T) {
	svc, _ := newTestService(t, NewInMemory())
	ctx := context.Background()
	first := join(t, svc, "m-1", "20200101")

	in := NewRecord{TenantID: "club-1", MemberKey: "m-1", OrgKey: "org-1", Category: "active", DateOfEntry: "20210101"}
	if _, err := svc.Create(ctx, "clerk", in); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}

	if _, err := svc.End(ctx, "clerk", "club-1", first.Key, "20201231"); err != nil {
		t.Fatal(err)
	}
	in.DateOfEntry = "20201231"
	if _, err := svc.Create(ctx, "clerk", in); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected overlap to be rejected, got %v", err)
	}

	in.DateOfEntry = "20220601"
	second, err := svc.Create(ctx, "clerk", in)
	if err != nil {
		t.Fatal(err)
	}
	if second.Order != 2 || !second.RelIsLast {
		t.Fatalf("unexpected second stint: %+v", second)
	}
	old, _ := svc.Get(ctx, "club-1", first.Key)
	if old.RelIsLast {
		t.Fatal("previous stint must no longer be last")
	}
}

func TestServiceArchive(t *testing.T) {
	svc, _ := newTestService(t, NewInMemory())
	ctx := context.Background()
	rec := join(t, svc, "m-1", "20230101")

	if _, err := svc.Archive(ctx, "clerk", "club-1", rec.Key); !errors.Is(err, ErrStillOpen) {
		t.Fatalf("expected ErrStillOpen, got %v", err)
	}
	if _, err := svc.End(ctx, "clerk", "club-1", rec.Key, "20231231"); err != nil {
		t.Fatal(err)
	}
	archived, err := svc.Archive(ctx, "clerk", "club-1", rec.Key)
	if err != nil || !archived.Archived {
		t.Fatalf("archive failed: %+v %v", archived, err)
	}
	again, err := svc.Archive(ctx, "clerk", "club-1", rec.Key)
	if err != nil || again.Version != archived.Version {
		t.Fatalf("second archive must be a no-op: %+v %v", again, err)
	}

	res, _ := svc.Search(ctx, Query{TenantID: "club-1"})
	if len(res) != 0 {
		t.Fatalf("archived records must be hidden by default: %+v", res)
	}
	res, _ = svc.Search(ctx, Query{TenantID: "club-1", IncludeArchived: true})
	if len(res) != 1 {
		t.Fatalf("expected archived record with IncludeArchived: %+v", res)
	}
}

func TestServiceStaleWriteConflicts(t *testing.T) {
	store := NewInMemory()
	svc, _ := newTestService(t, store)
	ctx := context.Background()
	rec := join(t, svc, "m-1", "20230101")

	tr, err := ChangeCategory(rec, testCatalog(t), Category{Name: "passive"}, "20240301")
	if err != nil {
		t.Fatal(err)
	}
	tr.Opened.Key = "racer"

	if _, err := svc.ChangeCategory(ctx, "clerk", "club-1", rec.Key, "honorary", "20240201"); err != nil {
		t.Fatal(err)
	}
	err = store.Commit(ctx, Batch{Updates: []Record{tr.Closed}, Inserts: []Record{tr.Opened}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.Get(ctx, "club-1", "racer"); !errors.Is(err, ErrNotFound) {
		t.Fatal("conflicting batch must not be partially applied")
	}
}

func TestServiceSearch(t *testing.T) {
	svc, _ := newTestService(t, NewInMemory())
	ctx := context.Background()
	a := join(t, svc, "m-1", "20230101")
	join(t, svc, "m-2", "20220101")
	if _, err := svc.ChangeCategory(ctx, "clerk", "club-1", a.Key, "passive", "20240101"); err != nil {
		t.Fatal(err)
	}

	open, err := svc.Search(ctx, Query{TenantID: "club-1", OnlyOpen: true, OrderBy: OrderByEntry})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 || open[0].MemberKey != "m-2" || open[1].Category != "passive" {
		t.Fatalf("unexpected open records: %+v", open)
	}
	active, _ := svc.Search(ctx, Query{TenantID: "club-1", State: "active", OnlyOpen: true})
	if len(active) != 1 || active[0].MemberKey != "m-2" {
		t.Fatalf("unexpected active members: %+v", active)
	}
	if _, err := svc.Search(ctx, Query{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected tenant to be required, got %v", err)
	}
}

// barrierStore holds every Thread read until n callers have read.
type barrierStore struct {
	*InMemory
	reads sync.WaitGroup
}

func (s *barrierStore) Thread(ctx context.Context, tenantID, memberKey, orgKey string) ([]Record, error) {
	recs, err := s.InMemory.Thread(ctx, tenantID, memberKey, orgKey)
	s.reads.Done()
	s.reads.Wait()
	return recs, err
}

func TestServiceConcurrentCreateKeepsSingleLast(t *testing.T) {
	store := &barrierStore{InMemory: NewInMemory()}
	store.reads.Add(2)
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Create(ctx, "clerk", NewRecord{
				TenantID:    "club-1",
				MemberKey:   "m-1",
				OrgKey:      "org-1",
				Category:    "active",
				DateOfEntry: "20240101",
			})
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %v", errs)
	}
	thread, err := store.InMemory.Thread(ctx, "club-1", "m-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 1 || !thread[0].RelIsLast || thread[0].Order != 1 {
		t.Fatalf("unexpected thread %+v", thread)
	}
}

func TestMemoryCommitRejectsSecondLast(t *testing.T) {
	store := NewInMemory()
	svc, _ := newTestService(t, store)
	rec := join(t, svc, "m-1", "20230101")

	dup := rec
	dup.Key = "dup"
	dup.Order = 2
	if err := store.Commit(context.Background(), Batch{Inserts: []Record{dup}}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
