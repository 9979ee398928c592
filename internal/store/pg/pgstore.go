package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"clubkit.org/internal/membership"
	"clubkit.org/internal/obs"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	recordColumns          = `key, tenant_id, member_key, member_name1, member_name2, member_kind, org_key, org_name,
		date_of_entry, date_of_exit, category, state, ord, rel_is_last, rel_log, tags, notes, archived, version,
		created_at, updated_at`
)

type Store struct {
	db *sql.DB
}

var (
	_ membership.Store         = (*Store)(nil)
	_ membership.CatalogSource = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (membership.Record, error) {
	var (
		r           membership.Record
		kind        string
		entry, exit string
	)
	err := row.Scan(&r.Key, &r.TenantID, &r.MemberKey, &r.MemberName1, &r.MemberName2, &kind, &r.OrgKey, &r.OrgName,
		&entry, &exit, &r.Category, &r.State, &r.Order, &r.RelIsLast, &r.RelLog, &r.Tags, &r.Notes, &r.Archived,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return membership.Record{}, err
	}
	r.MemberKind = membership.MemberKind(kind)
	r.DateOfEntry = membership.Date(strings.TrimSpace(entry))
	r.DateOfExit = membership.Date(strings.TrimSpace(exit))
	return r, nil
}

func (s *Store) Get(ctx context.Context, tenantID, key string) (membership.Record, error) {
	row := s.db.QueryRowContext(ctx, `select `+recordColumns+` from memberships where tenant_id=$1 and key=$2`, tenantID, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Record{}, membership.ErrNotFound
	}
	return rec, err
}

func (s *Store) Thread(ctx context.Context, tenantID, memberKey, orgKey string) ([]membership.Record, error) {
	return s.query(ctx, `select `+recordColumns+` from memberships
		where tenant_id=$1 and member_key=$2 and org_key=$3
		order by ord asc, key asc`, tenantID, memberKey, orgKey)
}

func (s *Store) Search(ctx context.Context, q membership.Query) ([]membership.Record, error) {
	where, args := searchFilter(q)
	stmt := fmt.Sprintf(`select %s from memberships where %s order by %s limit %d`,
		recordColumns, where, searchOrder(q), q.NormalizedLimit())
	return s.query(ctx, stmt, args...)
}

// searchFilter renders q as a parameterised where clause.
func searchFilter(q membership.Query) (string, []any) {
	clauses := []string{"tenant_id=$1"}
	args := []any{q.TenantID}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	add("member_key", q.MemberKey)
	add("org_key", q.OrgKey)
	add("category", q.Category)
	add("state", q.State)
	if q.OnlyOpen {
		clauses = append(clauses, "rel_is_last", fmt.Sprintf("date_of_exit='%s'", membership.OpenDate))
	}
	if !q.IncludeArchived {
		clauses = append(clauses, "not archived")
	}
	return strings.Join(clauses, " and "), args
}

var orderColumns = map[string]string{
	membership.OrderByEntry:    "date_of_entry",
	membership.OrderByExit:     "date_of_exit",
	membership.OrderByOrder:    "ord",
	membership.OrderByCategory: "category",
	membership.OrderByMember:   "member_name1 || ' ' || member_name2",
}

func searchOrder(q membership.Query) string {
	col, ok := orderColumns[q.OrderBy]
	if !ok {
		col = orderColumns[membership.OrderByEntry]
	}
	dir := "asc"
	if q.Desc {
		dir = "desc"
	}
	return fmt.Sprintf("%s %s, key %s", col, dir, dir)
}

func (s *Store) query(ctx context.Context, stmt string, args ...any) ([]membership.Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []membership.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Commit applies the batch in one serializable transaction. Updates are guarded
// by the version column; a missing row match means someone else wrote first.
func (s *Store) Commit(ctx context.Context, b membership.Batch) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Updates first: a superseded record must drop rel_is_last before its successor is inserted.
	for _, r := range b.Updates {
		res, err := tx.ExecContext(ctx, `
			update memberships set
				member_name1=$3, member_name2=$4, member_kind=$5, org_name=$6,
				date_of_exit=$7, category=$8, state=$9, rel_is_last=$10, rel_log=$11,
				tags=$12, notes=$13, archived=$14, updated_at=$15, version=version+1
			where tenant_id=$1 and key=$2 and version=$16
		`, r.TenantID, r.Key, r.MemberName1, r.MemberName2, string(r.MemberKind), r.OrgName,
			string(r.DateOfExit), r.Category, r.State, r.RelIsLast, r.RelLog,
			r.Tags, r.Notes, r.Archived, r.UpdatedAt, r.Version)
		if err != nil {
			return mapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.missingOrStale(ctx, tx, r)
		}
	}
	for _, r := range b.Inserts {
		if _, err := tx.ExecContext(ctx, `
			insert into memberships (`+recordColumns+`)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1,$19,$20)
		`, r.Key, r.TenantID, r.MemberKey, r.MemberName1, r.MemberName2, string(r.MemberKind), r.OrgKey, r.OrgName,
			string(r.DateOfEntry), string(r.DateOfExit), r.Category, r.State, r.Order, r.RelIsLast, r.RelLog,
			r.Tags, r.Notes, r.Archived, r.CreatedAt, r.UpdatedAt); err != nil {
			return mapError(err)
		}
	}
	for _, c := range b.Comments {
		params, err := json.Marshal(nonNil(c.Params))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into membership_comments (tenant_id, key, author, collection, target_key, template, params, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8)
		`, c.TenantID, c.Key, c.Author, c.Collection, c.TargetKey, c.Template, params, c.CreatedAt); err != nil {
			return mapError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) missingOrStale(ctx context.Context, tx *sql.Tx, r membership.Record) error {
	var version int64
	err := tx.QueryRowContext(ctx, `select version from memberships where tenant_id=$1 and key=$2`, r.TenantID, r.Key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.ErrNotFound
	}
	if err != nil {
		return err
	}
	obs.Logger().Debug().Str("key", r.Key).Int64("expected", r.Version).Int64("actual", version).Msg("stale membership write")
	return membership.ErrConflict
}

// mapError turns concurrent-write failures into membership.ErrConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure:
			return fmt.Errorf("%w: %s", membership.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (s *Store) Comments(ctx context.Context, tenantID, targetKey string) ([]membership.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key, tenant_id, author, collection, target_key, template, params, created_at
		from membership_comments where tenant_id=$1 and target_key=$2
		order by created_at asc, key asc
	`, tenantID, targetKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []membership.Comment
	for rows.Next() {
		var (
			c   membership.Comment
			raw []byte
		)
		if err := rows.Scan(&c.Key, &c.TenantID, &c.Author, &c.Collection, &c.TargetKey, &c.Template, &raw, &c.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &c.Params); err != nil {
				return nil, fmt.Errorf("decode comment params: %w", err)
			}
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Catalog loads the tenant's categories in their configured order.
func (s *Store) Catalog(ctx context.Context, tenantID string) (cat *membership.Catalog, err error) {
	defer func() { obs.ObserveCatalogLoad("postgres", err) }()

	rows, err := s.db.QueryContext(ctx, `
		select name, abbreviation, state from membership_categories
		where tenant_id=$1 order by position asc, name asc
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []membership.Category
	for rows.Next() {
		var c membership.Category
		if err := rows.Scan(&c.Name, &c.Abbreviation, &c.State); err != nil {
			return nil, err
		}
		entries = append(entries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return membership.NewCatalog(tenantID, entries)
}

// SaveCatalog replaces the tenant's categories after validating them.
func (s *Store) SaveCatalog(ctx context.Context, cat *membership.Catalog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `delete from membership_categories where tenant_id=$1`, cat.TenantID()); err != nil {
		return err
	}
	for i, c := range cat.Entries() {
		if _, err := tx.ExecContext(ctx, `
			insert into membership_categories (tenant_id, name, abbreviation, state, position)
			values ($1,$2,$3,$4,$5)
		`, cat.TenantID(), c.Name, c.Abbreviation, c.State, i+1); err != nil {
			return err
		}
	}
	return tx.Commit()
}
