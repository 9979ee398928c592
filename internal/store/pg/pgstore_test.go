package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"clubkit.org/internal/membership"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var columns = []string{"key", "tenant_id", "member_key", "member_name1", "member_name2", "member_kind", "org_key", "org_name",
	"date_of_entry", "date_of_exit", "category", "state", "ord", "rel_is_last", "rel_log", "tags", "notes", "archived",
	"version", "created_at", "updated_at"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func sampleRecord() membership.Record {
	return membership.Record{
		Key: "k1", TenantID: "club-1", MemberKey: "m-1", MemberName1: "Ada", MemberKind: membership.MemberPerson,
		OrgKey: "org-1", OrgName: "Rowing Club", DateOfEntry: "20230101", DateOfExit: membership.OpenDate,
		Category: "active", State: "active", Order: 1, RelIsLast: true, RelLog: "20230101:A", Version: 1,
		CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestGet(t *testing.T) {
	s, mock := newMock(t)
	r := sampleRecord()
	mock.ExpectQuery("select .* from memberships where tenant_id=\\$1 and key=\\$2").
		WithArgs("club-1", "k1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(r.Key, r.TenantID, r.MemberKey, r.MemberName1, "", "person",
			r.OrgKey, r.OrgName, "20230101", "99991231", "active", "active", 1, true, r.RelLog, "", "", false, 1, ts, ts))
	mock.ExpectQuery("select .* from memberships").WithArgs("club-1", "nope").WillReturnError(sql.ErrNoRows)

	got, err := s.Get(context.Background(), "club-1", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != r {
		t.Fatalf("unexpected record:\n%+v\n%+v", got, r)
	}
	if got.Phase() != membership.PhaseOpen {
		t.Fatalf("expected open phase, got %s", got.Phase())
	}
	if _, err := s.Get(context.Background(), "club-1", "nope"); !errors.Is(err, membership.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitCategoryChange(t *testing.T) {
	s, mock := newMock(t)
	closed := sampleRecord()
	closed.DateOfExit = "20240229"
	closed.RelIsLast = false
	closed.RelLog = "20230101:A;20240229:A"
	opened := sampleRecord()
	opened.Key = "k2"
	opened.Category, opened.State = "passive", "passive"
	opened.DateOfEntry = "20240301"
	opened.Order = 2
	opened.RelLog = "20230101:A;20240229:A;20240301:P"

	mock.ExpectBegin()
	mock.ExpectExec("update memberships set").
		WithArgs("club-1", "k1", "Ada", "", "person", "Rowing Club", "20240229", "active", "active", false,
			closed.RelLog, "", "", false, ts, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into memberships").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into membership_comments").
		WithArgs("club-1", "c1", "clerk", membership.Collection, "k1", membership.CommentCategoryChanged, []byte(`{"to":"passive"}`), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Commit(context.Background(), membership.Batch{
		Updates: []membership.Record{closed},
		Inserts: []membership.Record{opened},
		Comments: []membership.Comment{{
			Key: "c1", TenantID: "club-1", Author: "clerk", Collection: membership.Collection, TargetKey: "k1",
			Template: membership.CommentCategoryChanged, Params: map[string]string{"to": "passive"}, CreatedAt: ts,
		}},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitStaleVersionRollsBack(t *testing.T) {
	s, mock := newMock(t)
	rec := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectExec("update memberships set").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version from memberships").WithArgs("club-1", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), membership.Batch{Updates: []membership.Record{rec}})
	if !errors.Is(err, membership.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitDuplicateLastMapsToConflict(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into memberships").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, Message: "memberships_last_idx"})
	mock.ExpectRollback()

	err := s.Commit(context.Background(), membership.Batch{Inserts: []membership.Record{sampleRecord()}})
	if !errors.Is(err, membership.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSearchFilter(t *testing.T) {
	where, args := searchFilter(membership.Query{TenantID: "club-1", Category: "active", State: "active", OnlyOpen: true})
	want := "tenant_id=$1 and category=$2 and state=$3 and rel_is_last and date_of_exit='99991231' and not archived"
	if where != want {
		t.Fatalf("unexpected where:\n%s\n%s", where, want)
	}
	if len(args) != 3 || args[1] != "active" {
		t.Fatalf("unexpected args: %v", args)
	}

	where, _ = searchFilter(membership.Query{TenantID: "club-1", IncludeArchived: true})
	if strings.Contains(where, "archived") {
		t.Fatalf("archived records should be included: %s", where)
	}
	if got := searchOrder(membership.Query{OrderBy: membership.OrderByOrder, Desc: true}); got != "ord desc, key desc" {
		t.Fatalf("unexpected order: %s", got)
	}
	if got := searchOrder(membership.Query{OrderBy: "bogus"}); got != "date_of_entry asc, key asc" {
		t.Fatalf("unexpected default order: %s", got)
	}
}

func TestCatalog(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select name, abbreviation, state from membership_categories").WithArgs("club-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "abbreviation", "state"}).
			AddRow("active", "A", "active").AddRow("passive", "P", "passive"))

	cat, err := s.Catalog(context.Background(), "club-1")
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	c, err := cat.Lookup("passive")
	if err != nil || c.Abbreviation != "P" {
		t.Fatalf("unexpected lookup: %+v %v", c, err)
	}
}

func TestComments(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from membership_comments").WithArgs("club-1", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "tenant_id", "author", "collection", "target_key", "template", "params", "created_at"}).
			AddRow("c1", "club-1", "clerk", membership.Collection, "k1", membership.CommentEnded, []byte(`{"date":"20231231"}`), ts))

	comments, err := s.Comments(context.Background(), "club-1", "k1")
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Text() != "membership ended on 20231231" {
		t.Fatalf("unexpected comments: %+v", comments)
	}
}

func TestSaveCatalogReplacesRows(t *testing.T) {
	s, mock := newMock(t)
	cat, err := membership.NewCatalog("club-1", []membership.Category{
		{Name: "active", Abbreviation: "A", State: "active"},
		{Name: "passive", Abbreviation: "P", State: "passive"},
	})
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("delete from membership_categories").WithArgs("club-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into membership_categories").WithArgs("club-1", "active", "A", "active", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into membership_categories").WithArgs("club-1", "passive", "P", "passive", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveCatalog(context.Background(), cat); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveCatalogRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMock(t)
	cat, err := membership.NewCatalog("club-1", []membership.Category{{Name: "active", Abbreviation: "A", State: "active"}})
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("delete from membership_categories").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into membership_categories").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := s.SaveCatalog(context.Background(), cat); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
