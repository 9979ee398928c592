package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"clubkit.org/internal/auth"
	"clubkit.org/internal/membership"
)

type createMembershipRequest struct {
	MemberKey   string `json:"member_key" validate:"required,max=128"`
	MemberName1 string `json:"member_name1" validate:"max=256"`
	MemberName2 string `json:"member_name2" validate:"max=256"`
	MemberKind  string `json:"member_kind" validate:"omitempty,oneof=person org"`
	OrgKey      string `json:"org_key" validate:"required,max=128"`
	OrgName     string `json:"org_name" validate:"max=256"`
	Category    string `json:"category" validate:"required,max=64"`
	DateOfEntry string `json:"date_of_entry" validate:"required,len=8,numeric"`
	Tags        string `json:"tags" validate:"max=1024"`
	Notes       string `json:"notes" validate:"max=4096"`
}

type endMembershipRequest struct {
	DateOfExit string `json:"date_of_exit" validate:"required,len=8,numeric"`
}

type changeCategoryRequest struct {
	Category      string `json:"category" validate:"required,max=64"`
	EffectiveDate string `json:"effective_date" validate:"required,len=8,numeric"`
}

type transitionResponse struct {
	Closed membership.Record `json:"closed"`
	Opened membership.Record `json:"opened"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type commentView struct {
	membership.Comment
	Text string `json:"text"`
}

// caller returns the principal set by withAuth.
func caller(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func (a *API) getCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := a.svc.Catalog(r.Context(), caller(r).TenantID)
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[membership.Category]{Items: cat.Entries()})
}

func (a *API) createMembership(w http.ResponseWriter, r *http.Request) {
	var req createMembershipRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	p := caller(r)
	rec, err := a.svc.Create(r.Context(), p.UserID, membership.NewRecord{
		TenantID:    p.TenantID,
		MemberKey:   req.MemberKey,
		MemberName1: req.MemberName1,
		MemberName2: req.MemberName2,
		MemberKind:  membership.MemberKind(req.MemberKind),
		OrgKey:      req.OrgKey,
		OrgName:     req.OrgName,
		Category:    req.Category,
		DateOfEntry: membership.Date(req.DateOfEntry),
		Tags:        req.Tags,
		Notes:       req.Notes,
	})
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/memberships/"+rec.Key)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) searchMemberships(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q.TenantID = caller(r).TenantID
	recs, err := a.svc.Search(r.Context(), q)
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[membership.Record]{Items: nonNil(recs)})
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseQuery(r *http.Request) (membership.Query, error) {
	v := r.URL.Query()
	q := membership.Query{
		MemberKey: strings.TrimSpace(v.Get("member")),
		OrgKey:    strings.TrimSpace(v.Get("org")),
		Category:  strings.TrimSpace(v.Get("category")),
		State:     strings.TrimSpace(v.Get("state")),
		OrderBy:   strings.TrimSpace(v.Get("order_by")),
	}
	var err error
	if q.OnlyOpen, err = parseBool(v.Get("open")); err != nil {
		return q, queryError("open must be a boolean")
	}
	if q.IncludeArchived, err = parseBool(v.Get("archived")); err != nil {
		return q, queryError("archived must be a boolean")
	}
	switch q.OrderBy {
	case "", membership.OrderByEntry, membership.OrderByExit, membership.OrderByOrder,
		membership.OrderByCategory, membership.OrderByMember:
	default:
		return q, queryError("unsupported order_by " + strconv.Quote(q.OrderBy))
	}
	switch strings.ToLower(v.Get("dir")) {
	case "", "asc":
	case "desc":
		q.Desc = true
	default:
		return q, queryError("dir must be asc or desc")
	}
	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return q, queryError("limit must be between 1 and 1000")
		}
		q.Limit = n
	}
	return q, nil
}

func parseBool(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (a *API) getMembership(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.Get(r.Context(), caller(r).TenantID, chi.URLParam(r, "key"))
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) getThread(w http.ResponseWriter, r *http.Request) {
	recs, err := a.svc.Thread(r.Context(), caller(r).TenantID, chi.URLParam(r, "key"))
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[membership.Record]{Items: nonNil(recs)})
}

func (a *API) getComments(w http.ResponseWriter, r *http.Request) {
	comments, err := a.svc.Comments(r.Context(), caller(r).TenantID, chi.URLParam(r, "key"))
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	views := make([]commentView, 0, len(comments))
	for _, c := range comments {
		views = append(views, commentView{Comment: c, Text: c.Text()})
	}
	writeJSON(w, http.StatusOK, listResponse[commentView]{Items: views})
}

func (a *API) endMembership(w http.ResponseWriter, r *http.Request) {
	var req endMembershipRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	p := caller(r)
	rec, err := a.svc.End(r.Context(), p.UserID, p.TenantID, chi.URLParam(r, "key"), membership.Date(req.DateOfExit))
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) changeCategory(w http.ResponseWriter, r *http.Request) {
	var req changeCategoryRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	p := caller(r)
	tr, err := a.svc.ChangeCategory(r.Context(), p.UserID, p.TenantID, chi.URLParam(r, "key"),
		req.Category, membership.Date(req.EffectiveDate))
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/memberships/"+tr.Opened.Key)
	writeJSON(w, http.StatusCreated, transitionResponse{Closed: tr.Closed, Opened: tr.Opened})
}

func (a *API) archiveMembership(w http.ResponseWriter, r *http.Request) {
	p := caller(r)
	rec, err := a.svc.Archive(r.Context(), p.UserID, p.TenantID, chi.URLParam(r, "key"))
	if err != nil {
		handleMembershipError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
