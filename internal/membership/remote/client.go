// Package remote talks to a running membership API over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clubkit.org/internal/membership"
)

// Client wraps the REST membership API.
type Client struct {
	base  string
	http  *http.Client
	token string
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non 2xx answer. It unwraps to the matching membership error when one is known.
type Error struct {
	Status    int
	Message   string
	RequestID string
	kind      error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("clubkit api %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("clubkit api %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.kind }

var (
	conflictKinds = []error{
		membership.ErrNotOpen, membership.ErrStillOpen,
		membership.ErrAlreadyOpen, membership.ErrSameCategory,
	}
	invalidKinds = []error{
		membership.ErrInvalidDate, membership.ErrInvalidInterval,
		membership.ErrUnknownCategory, membership.ErrInvalidCatalog,
	}
)

func mapError(status int, msg string) error {
	e := &Error{Status: status, Message: msg}
	match := func(kinds []error, fallback error) error {
		for _, k := range kinds {
			if strings.Contains(msg, k.Error()) {
				return k
			}
		}
		return fallback
	}
	switch status {
	case http.StatusNotFound:
		e.kind = membership.ErrNotFound
	case http.StatusConflict:
		e.kind = match(conflictKinds, membership.ErrConflict)
	case http.StatusUnprocessableEntity:
		e.kind = match(invalidKinds, nil)
	case http.StatusBadRequest:
		e.kind = membership.ErrInvalidInput
	}
	return e
}

// IssueToken requests a development token. The API only serves it when dev tokens are enabled.
func (c *Client) IssueToken(ctx context.Context, user, tenant string, roles ...string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]any{"user": user, "tenant": tenant, "roles": roles}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// As returns a copy of the client that authenticates with token.
func (c *Client) As(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

type items[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) Catalog(ctx context.Context) ([]membership.Category, error) {
	var out items[membership.Category]
	err := c.do(ctx, http.MethodGet, "/v1/catalog", nil, &out)
	return out.Items, err
}

func (c *Client) Create(ctx context.Context, in membership.NewRecord) (membership.Record, error) {
	body := map[string]string{
		"member_key":    in.MemberKey,
		"member_name1":  in.MemberName1,
		"member_name2":  in.MemberName2,
		"member_kind":   string(in.MemberKind),
		"org_key":       in.OrgKey,
		"org_name":      in.OrgName,
		"category":      in.Category,
		"date_of_entry": string(in.DateOfEntry),
		"tags":          in.Tags,
		"notes":         in.Notes,
	}
	var rec membership.Record
	err := c.do(ctx, http.MethodPost, "/v1/memberships", body, &rec)
	return rec, err
}

func (c *Client) Get(ctx context.Context, key string) (membership.Record, error) {
	var rec membership.Record
	err := c.do(ctx, http.MethodGet, keyPath(key, ""), nil, &rec)
	return rec, err
}

func (c *Client) Thread(ctx context.Context, key string) ([]membership.Record, error) {
	var out items[membership.Record]
	err := c.do(ctx, http.MethodGet, keyPath(key, "thread"), nil, &out)
	return out.Items, err
}

func (c *Client) Comments(ctx context.Context, key string) ([]membership.Comment, error) {
	var out items[membership.Comment]
	err := c.do(ctx, http.MethodGet, keyPath(key, "comments"), nil, &out)
	return out.Items, err
}

// Search lists memberships of the caller's tenant. TenantID in q is ignored.
func (c *Client) Search(ctx context.Context, q membership.Query) ([]membership.Record, error) {
	var out items[membership.Record]
	path := "/v1/memberships"
	if enc := encodeQuery(q); enc != "" {
		path += "?" + enc
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

func (c *Client) End(ctx context.Context, key string, exit membership.Date) (membership.Record, error) {
	var rec membership.Record
	err := c.do(ctx, http.MethodPost, keyPath(key, "end"), map[string]string{"date_of_exit": string(exit)}, &rec)
	return rec, err
}

func (c *Client) ChangeCategory(ctx context.Context, key, category string, effective membership.Date) (membership.Transition, error) {
	var tr membership.Transition
	body := map[string]string{"category": category, "effective_date": string(effective)}
	err := c.do(ctx, http.MethodPost, keyPath(key, "category"), body, &tr)
	return tr, err
}

func (c *Client) Archive(ctx context.Context, key string) (membership.Record, error) {
	var rec membership.Record
	err := c.do(ctx, http.MethodDelete, keyPath(key, ""), nil, &rec)
	return rec, err
}

func keyPath(key, sub string) string {
	p := "/v1/memberships/" + url.PathEscape(key)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func encodeQuery(q membership.Query) string {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("member", q.MemberKey)
	set("org", q.OrgKey)
	set("category", q.Category)
	set("state", q.State)
	set("order_by", q.OrderBy)
	if q.OnlyOpen {
		v.Set("open", "true")
	}
	if q.IncludeArchived {
		v.Set("archived", "true")
	}
	if q.Desc {
		v.Set("dir", "desc")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var problem struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&problem)
		if problem.Error == "" {
			problem.Error = http.StatusText(resp.StatusCode)
		}
		err := mapError(resp.StatusCode, problem.Error)
		if e, ok := err.(*Error); ok {
			e.RequestID = problem.RequestID
		}
		return err
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
