package membership

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Collection names the target of comments written by this package.
const Collection = "memberships"

// Comment is a human readable audit note attached to a record.
type Comment struct {
	Key        string            `json:"key" bson:"key"`
	TenantID   string            `json:"tenant_id" bson:"tenant_id"`
	Author     string            `json:"author" bson:"author"`
	Collection string            `json:"collection" bson:"collection"`
	TargetKey  string            `json:"target_key" bson:"target_key"`
	Template   string            `json:"template" bson:"template"`
	Params     map[string]string `json:"params,omitempty" bson:"params"`
	CreatedAt  time.Time         `json:"created_at" bson:"created_at"`
}

const (
	CommentCreated         = "comment.membership.create"
	CommentEnded           = "comment.membership.end"
	CommentCategoryChanged = "comment.membership.categoryChange"
	CommentArchived        = "comment.membership.archive"
)

var commentTexts = map[string]string{
	CommentCreated:         "membership created as {category} from {date}",
	CommentEnded:           "membership ended on {date}",
	CommentCategoryChanged: "category changed from {from} to {to} on {date}",
	CommentArchived:        "membership archived",
}

// Text renders the comment template with its parameters.
func (c Comment) Text() string {
	text, ok := commentTexts[c.Template]
	if !ok {
		return c.Template
	}
	for k, v := range c.Params {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}

// Batch is a set of writes a Store applies atomically.
// Updates are compare-and-swap on Version and are stored with Version+1.
// Inserts are stored with Version 1.
type Batch struct {
	Updates  []Record
	Inserts  []Record
	Comments []Comment
}

// Committed returns the records of b as they look after a successful Commit.
func (b Batch) Committed() (updated, inserted []Record) {
	for _, r := range b.Updates {
		r.Version++
		updated = append(updated, r)
	}
	for _, r := range b.Inserts {
		r.Version = 1
		inserted = append(inserted, r)
	}
	return updated, inserted
}

// Sort fields accepted by Query.OrderBy.
const (
	OrderByEntry    = "dateOfEntry"
	OrderByExit     = "dateOfExit"
	OrderByOrder    = "order"
	OrderByCategory = "category"
	OrderByMember   = "memberName"
)

// Query filters a tenant's records. Zero fields match everything.
type Query struct {
	TenantID        string
	MemberKey       string
	OrgKey          string
	Category        string
	State           string
	OnlyOpen        bool
	IncludeArchived bool
	OrderBy         string
	Desc            bool
	Limit           int
}

// Match reports whether r satisfies the filters of q.
func (q Query) Match(r Record) bool {
	switch {
	case r.TenantID != q.TenantID:
		return false
	case q.MemberKey != "" && r.MemberKey != q.MemberKey:
		return false
	case q.OrgKey != "" && r.OrgKey != q.OrgKey:
		return false
	case q.Category != "" && r.Category != q.Category:
		return false
	case q.State != "" && r.State != q.State:
		return false
	case q.OnlyOpen && r.Phase() != PhaseOpen:
		return false
	case !q.IncludeArchived && r.Archived:
		return false
	}
	return true
}

// Sort orders records by q.OrderBy, breaking ties by key.
func (q Query) Sort(recs []Record) {
	less := func(a, b Record) int {
		switch q.OrderBy {
		case OrderByExit:
			return strings.Compare(string(a.DateOfExit), string(b.DateOfExit))
		case OrderByOrder:
			return a.Order - b.Order
		case OrderByCategory:
			return strings.Compare(a.Category, b.Category)
		case OrderByMember:
			return strings.Compare(a.MemberName1+" "+a.MemberName2, b.MemberName1+" "+b.MemberName2)
		default:
			return strings.Compare(string(a.DateOfEntry), string(b.DateOfEntry))
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		c := less(recs[i], recs[j])
		if c == 0 {
			c = strings.Compare(recs[i].Key, recs[j].Key)
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})
}

// NormalizedLimit clamps Limit to (0, 1000], defaulting to 100.
func (q Query) NormalizedLimit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return 100
	}
	return q.Limit
}

// Store persists membership records and their comments.
type Store interface {
	Get(ctx context.Context, tenantID, key string) (Record, error)
	// Thread returns all records of a member within an organization ordered by Order.
	Thread(ctx context.Context, tenantID, memberKey, orgKey string) ([]Record, error)
	Search(ctx context.Context, q Query) ([]Record, error)
	// Commit applies b atomically or not at all. A stale update yields ErrConflict.
	Commit(ctx context.Context, b Batch) error
	Comments(ctx context.Context, tenantID, targetKey string) ([]Comment, error)
}

// Event types published after a successful commit.
const (
	EventCreated    = "membership.created"
	EventEnded      = "membership.ended"
	EventSuperseded = "membership.superseded"
	EventArchived   = "membership.archived"
)

// Event describes a committed change to a record.
type Event struct {
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id"`
	Record   Record    `json:"record"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier receives committed events. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Notifiers fans an event out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, evt Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}
