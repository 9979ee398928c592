package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"clubkit.org/internal/auth"
	"clubkit.org/internal/catalog"
	"clubkit.org/internal/httpapi"
	"clubkit.org/internal/membership"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		msg    string
		want   error
	}{
		{"not found", http.StatusNotFound, "membership not found", membership.ErrNotFound},
		{"not open", http.StatusConflict, "end: membership is not open", membership.ErrNotOpen},
		{"same category", http.StatusConflict, "membership already has this category", membership.ErrSameCategory},
		{"stale write", http.StatusConflict, "membership was modified concurrently, retry", membership.ErrConflict},
		{"bad date", http.StatusUnprocessableEntity, "invalid date (want YYYYMMDD): 2024", membership.ErrInvalidDate},
		{"unknown category", http.StatusUnprocessableEntity, "unknown membership category: gold", membership.ErrUnknownCategory},
		{"bad body", http.StatusBadRequest, "member_key is required", membership.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapError(tc.status, tc.msg)
			require.ErrorIs(t, err, tc.want)
			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			require.Equal(t, tc.status, apiErr.Status)
		})
	}

	err := mapError(http.StatusInternalServerError, "internal error")
	require.Nil(t, errors.Unwrap(err))
}

func TestEncodeQuery(t *testing.T) {
	t.Parallel()

	got := encodeQuery(membership.Query{
		MemberKey: "m1",
		OnlyOpen:  true,
		OrderBy:   membership.OrderByEntry,
		Desc:      true,
		Limit:     5,
	})
	require.Equal(t, "dir=desc&limit=5&member=m1&open=true&order_by=dateOfEntry", got)
	require.Empty(t, encodeQuery(membership.Query{}))
}

const testCatalogYAML = `
catalogs:
  - tenant: club-1
    categories:
      - {name: active, abbreviation: A, state: active}
      - {name: passive, abbreviation: P, state: passive}
`

func newTestClient(t *testing.T) *Client {
	t.Helper()

	auth.ResetSecretForTests()
	auth.SetSecret("remote-secret")
	t.Cleanup(auth.ResetSecretForTests)

	cats, err := catalog.Load(strings.NewReader(testCatalogYAML), "yaml")
	require.NoError(t, err)
	svc := membership.NewService(membership.NewInMemory(), cats)
	api := httpapi.New(svc, httpapi.Options{Version: "test", DevTokens: true, RateBurst: 1000, RatePerSec: 1000})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	c := New(srv.URL, WithHTTPClient(srv.Client()))
	token, err := c.IssueToken(context.Background(), "clerk-1", "club-1", "admin")
	require.NoError(t, err)
	return c.As(token)
}

func TestClientLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	cats, err := c.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)

	rec, err := c.Create(ctx, membership.NewRecord{
		MemberKey:   "m1",
		MemberName1: "Ada",
		OrgKey:      "chess",
		Category:    "active",
		DateOfEntry: "20240101",
	})
	require.NoError(t, err)
	require.True(t, rec.DateOfExit.IsOpen())

	tr, err := c.ChangeCategory(ctx, rec.Key, "passive", "20240601")
	require.NoError(t, err)
	require.False(t, tr.Closed.RelIsLast)
	require.True(t, tr.Opened.RelIsLast)
	require.Equal(t, "passive", tr.Opened.Category)

	_, err = c.ChangeCategory(ctx, tr.Opened.Key, "passive", "20240701")
	require.ErrorIs(t, err, membership.ErrSameCategory)

	thread, err := c.Thread(ctx, tr.Opened.Key)
	require.NoError(t, err)
	require.Len(t, thread, 2)

	ended, err := c.End(ctx, tr.Opened.Key, "20241231")
	require.NoError(t, err)
	require.Equal(t, membership.Date("20241231"), ended.DateOfExit)

	_, err = c.End(ctx, tr.Opened.Key, "20250101")
	require.ErrorIs(t, err, membership.ErrNotOpen)

	open, err := c.Search(ctx, membership.Query{MemberKey: "m1", OnlyOpen: true})
	require.NoError(t, err)
	require.Empty(t, open)

	comments, err := c.Comments(ctx, tr.Opened.Key)
	require.NoError(t, err)
	require.NotEmpty(t, comments)

	_, err = c.Archive(ctx, ended.Key)
	require.NoError(t, err)
	all, err := c.Search(ctx, membership.Query{MemberKey: "m1"})
	require.NoError(t, err)
	for _, r := range all {
		require.NotEqual(t, ended.Key, r.Key)
	}

	_, err = c.Get(ctx, "missing")
	require.ErrorIs(t, err, membership.ErrNotFound)
}

func TestClientRequiresToken(t *testing.T) {
	c := newTestClient(t).As("")
	_, err := c.Catalog(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
