package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"clubkit.org/internal/ids"
	"clubkit.org/internal/obs"
)

// Service orchestrates the membership lifecycle on top of a Store.
type Service struct {
	store    Store
	catalogs CatalogSource
	notify   Notifier
	now      func() time.Time
	newKey   func() string
}

// Option configures Service.
type Option func(*Service)

// WithNotifier sets the receiver of committed events.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notify = n }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeyFunc overrides key generation for records and comments.
func WithKeyFunc(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newKey = fn
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, catalogs CatalogSource, opts ...Option) *Service {
	s := &Service{
		store:    store,
		catalogs: catalogs,
		now:      func() time.Time { return time.Now().UTC() },
		newKey:   ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the tenant's category catalog.
func (s *Service) Catalog(ctx context.Context, tenantID string) (*Catalog, error) {
	return s.catalogs.Catalog(ctx, tenantID)
}

func (s *Service) Get(ctx context.Context, tenantID, key string) (Record, error) {
	return s.store.Get(ctx, tenantID, key)
}

// Thread returns every stint of the record's member within the record's organization.
func (s *Service) Thread(ctx context.Context, tenantID, key string) ([]Record, error) {
	rec, err := s.store.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	return s.store.Thread(ctx, tenantID, rec.MemberKey, rec.OrgKey)
}

func (s *Service) Search(ctx context.Context, q Query) ([]Record, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	return s.store.Search(ctx, q)
}

func (s *Service) Comments(ctx context.Context, tenantID, key string) ([]Comment, error) {
	if _, err := s.store.Get(ctx, tenantID, key); err != nil {
		return nil, err
	}
	return s.store.Comments(ctx, tenantID, key)
}

// Create opens a new stint. The previous last record of the thread, if any, stops being last.
func (s *Service) Create(ctx context.Context, actor string, in NewRecord) (rec Record, err error) {
	defer func() { obs.ObserveTransition("create", err) }()

	if in.DateOfEntry, err = concreteDate(in.DateOfEntry); err != nil {
		return Record{}, err
	}
	cat, err := s.catalogs.Catalog(ctx, in.TenantID)
	if err != nil {
		return Record{}, err
	}
	thread, err := s.store.Thread(ctx, in.TenantID, strings.TrimSpace(in.MemberKey), strings.TrimSpace(in.OrgKey))
	if err != nil {
		return Record{}, fmt.Errorf("load thread: %w", err)
	}

	var (
		b     Batch
		order = 1
		now   = s.now()
	)
	for _, prev := range thread {
		if prev.Phase() == PhaseOpen {
			return Record{}, ErrAlreadyOpen
		}
		if prev.Order >= order {
			order = prev.Order + 1
		}
		if prev.RelIsLast {
			if !prev.DateOfExit.Before(in.DateOfEntry) {
				return Record{}, ErrInvalidInterval
			}
			prev.RelIsLast = false
			prev.UpdatedAt = now
			b.Updates = append(b.Updates, prev)
		}
	}

	rec, err = Open(in, cat, order)
	if err != nil {
		return Record{}, err
	}
	rec.Key = s.newKey()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	b.Inserts = append(b.Inserts, rec)
	b.Comments = append(b.Comments, s.comment(rec, actor, CommentCreated, map[string]string{
		"category": rec.Category,
		"date":     rec.DateOfEntry.String(),
	}))

	if err := s.store.Commit(ctx, b); err != nil {
		return Record{}, fmt.Errorf("commit create: %w", err)
	}
	_, inserted := b.Committed()
	rec = inserted[0]
	s.publish(ctx, EventCreated, actor, rec)
	return rec, nil
}

// End closes an open stint on exit.
func (s *Service) End(ctx context.Context, actor, tenantID, key string, exit Date) (rec Record, err error) {
	defer func() { obs.ObserveTransition("end", err) }()

	cur, err := s.store.Get(ctx, tenantID, key)
	if err != nil {
		return Record{}, err
	}
	rec, err = End(cur, exit)
	if err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = s.now()

	b := Batch{
		Updates: []Record{rec},
		Comments: []Comment{s.comment(rec, actor, CommentEnded, map[string]string{
			"date": exit.String(),
		})},
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return Record{}, fmt.Errorf("commit end: %w", err)
	}
	updated, _ := b.Committed()
	rec = updated[0]
	s.publish(ctx, EventEnded, actor, rec)
	return rec, nil
}

// ChangeCategory supersedes an open stint by a new one under category, effective on the given day.
// Both writes and both comments are committed in one batch.
func (s *Service) ChangeCategory(ctx context.Context, actor, tenantID, key, category string, effective Date) (tr Transition, err error) {
	defer func() { obs.ObserveTransition("change_category", err) }()

	var (
		cur Record
		cat *Catalog
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cur, err = s.store.Get(gctx, tenantID, key)
		return err
	})
	g.Go(func() error {
		var err error
		cat, err = s.catalogs.Catalog(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Transition{}, err
	}

	next, err := cat.Lookup(category)
	if err != nil {
		return Transition{}, err
	}
	tr, err = ChangeCategory(cur, cat, next, effective)
	if err != nil {
		return Transition{}, err
	}

	now := s.now()
	tr.Closed.UpdatedAt = now
	tr.Opened.Key = s.newKey()
	tr.Opened.CreatedAt = now
	tr.Opened.UpdatedAt = now

	params := map[string]string{
		"from": tr.Closed.Category,
		"to":   tr.Opened.Category,
		"date": effective.String(),
	}
	b := Batch{
		Updates: []Record{tr.Closed},
		Inserts: []Record{tr.Opened},
		Comments: []Comment{
			s.comment(tr.Closed, actor, CommentCategoryChanged, params),
			s.comment(tr.Opened, actor, CommentCategoryChanged, params),
		},
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return Transition{}, fmt.Errorf("commit category change: %w", err)
	}
	updated, inserted := b.Committed()
	tr = Transition{Closed: updated[0], Opened: inserted[0]}
	s.publish(ctx, EventSuperseded, actor, tr.Closed)
	s.publish(ctx, EventCreated, actor, tr.Opened)
	return tr, nil
}

// Archive soft-deletes a closed record. Archiving an archived record is a no-op.
func (s *Service) Archive(ctx context.Context, actor, tenantID, key string) (rec Record, err error) {
	defer func() { obs.ObserveTransition("archive", err) }()

	rec, err = s.store.Get(ctx, tenantID, key)
	if err != nil {
		return Record{}, err
	}
	if rec.Archived {
		return rec, nil
	}
	if rec.Phase() == PhaseOpen {
		return Record{}, ErrStillOpen
	}
	rec.Archived = true
	rec.UpdatedAt = s.now()
	b := Batch{
		Updates:  []Record{rec},
		Comments: []Comment{s.comment(rec, actor, CommentArchived, nil)},
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return Record{}, fmt.Errorf("commit archive: %w", err)
	}
	updated, _ := b.Committed()
	rec = updated[0]
	s.publish(ctx, EventArchived, actor, rec)
	return rec, nil
}

func (s *Service) comment(rec Record, actor, template string, params map[string]string) Comment {
	return Comment{
		Key:        s.newKey(),
		TenantID:   rec.TenantID,
		Author:     actor,
		Collection: Collection,
		TargetKey:  rec.Key,
		Template:   template,
		Params:     cloneParams(params),
		CreatedAt:  s.now(),
	}
}

func (s *Service) publish(ctx context.Context, typ, actor string, rec Record) {
	if s.notify == nil {
		return
	}
	s.notify.Notify(ctx, Event{
		Type:     typ,
		TenantID: rec.TenantID,
		Record:   rec,
		Actor:    actor,
		At:       s.now(),
	})
}

// IsPrecondition reports whether err rejects the operation for the record's current state.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNotOpen) || errors.Is(err, ErrStillOpen) || errors.Is(err, ErrAlreadyOpen) ||
		errors.Is(err, ErrSameCategory)
}

func init() {
	for _, err := range []error{ErrNotOpen, ErrStillOpen, ErrAlreadyOpen, ErrSameCategory} {
		obs.RegisterOutcome(err, "precondition")
	}
	for _, err := range []error{ErrInvalidInput, ErrInvalidDate, ErrInvalidInterval, ErrUnknownCategory} {
		obs.RegisterOutcome(err, "invalid")
	}
	obs.RegisterOutcome(ErrConflict, "conflict")
	obs.RegisterOutcome(ErrNotFound, "not_found")
}
