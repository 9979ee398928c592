package membership

import (
	"context"
	"sync"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	records  map[string]Record // tenant/key -> record
	comments []Comment
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

func recordID(tenantID, key string) string { return tenantID + "/" + key }

func (s *InMemory) Get(ctx context.Context, tenantID, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID(tenantID, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemory) Thread(ctx context.Context, tenantID, memberKey, orgKey string) ([]Record, error) {
	q := Query{
		TenantID:        tenantID,
		MemberKey:       memberKey,
		OrgKey:          orgKey,
		IncludeArchived: true,
		OrderBy:         OrderByOrder,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Record
	for _, rec := range s.records {
		if q.Match(rec) {
			res = append(res, rec)
		}
	}
	q.Sort(res)
	return res, nil
}

func (s *InMemory) Search(ctx context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	var res []Record
	for _, rec := range s.records {
		if q.Match(rec) {
			res = append(res, rec)
		}
	}
	s.mu.RUnlock()

	q.Sort(res)
	if limit := q.NormalizedLimit(); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) Commit(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before touching state so a failed batch leaves no trace.
	for _, upd := range b.Updates {
		cur, ok := s.records[recordID(upd.TenantID, upd.Key)]
		if !ok {
			return ErrNotFound
		}
		if cur.Version != upd.Version {
			return ErrConflict
		}
	}
	for _, ins := range b.Inserts {
		if ins.Key == "" {
			return ErrInvalidInput
		}
		if _, exists := s.records[recordID(ins.TenantID, ins.Key)]; exists {
			return ErrConflict
		}
	}
	if err := s.checkSingleLast(b); err != nil {
		return err
	}

	updated, inserted := b.Committed()
	for _, rec := range updated {
		s.records[recordID(rec.TenantID, rec.Key)] = rec
	}
	for _, rec := range inserted {
		s.records[recordID(rec.TenantID, rec.Key)] = rec
	}
	for _, c := range b.Comments {
		c.Params = cloneParams(c.Params)
		s.comments = append(s.comments, c)
	}
	return nil
}

// checkSingleLast rejects a batch that would leave two last records in one thread.
// Callers hold the write lock.
func (s *InMemory) checkSingleLast(b Batch) error {
	demoted := make(map[string]bool, len(b.Updates))
	for _, upd := range b.Updates {
		if !upd.RelIsLast {
			demoted[recordID(upd.TenantID, upd.Key)] = true
		}
	}
	for _, ins := range b.Inserts {
		if !ins.RelIsLast {
			continue
		}
		for id, cur := range s.records {
			if cur.RelIsLast && !demoted[id] && sameThread(cur, ins) {
				return ErrConflict
			}
		}
	}
	return nil
}

func sameThread(a, b Record) bool {
	return a.TenantID == b.TenantID && a.MemberKey == b.MemberKey && a.OrgKey == b.OrgKey
}

func (s *InMemory) Comments(ctx context.Context, tenantID, targetKey string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Comment
	for _, c := range s.comments {
		if c.TenantID == tenantID && c.TargetKey == targetKey {
			c.Params = cloneParams(c.Params)
			res = append(res, c)
		}
	}
	return res, nil
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
