package membership

import (
	"errors"
	"strings"
	"time"
)

// Date is a calendar day in YYYYMMDD form. Eight-digit dates compare correctly as strings.
type Date string

// OpenDate marks a stint without a concrete exit date.
const OpenDate Date = "99991231"

const dateLayout = "20060102"

// ParseDate validates an 8-digit date string.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) != len(dateLayout) {
		return "", ErrInvalidDate
	}
	if Date(s) == OpenDate {
		return OpenDate, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", ErrInvalidDate
	}
	return Date(t.Format(dateLayout)), nil
}

// concreteDate normalizes d and rejects OpenDate.
func concreteDate(d Date) (Date, error) {
	parsed, err := ParseDate(string(d))
	if err != nil || parsed.IsOpen() {
		return "", ErrInvalidDate
	}
	return parsed, nil
}

// DateOf returns the calendar day of t in UTC.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

func (d Date) String() string { return string(d) }

func (d Date) IsOpen() bool { return d == OpenDate }

func (d Date) Valid() bool {
	_, err := ParseDate(string(d))
	return err == nil
}

// Before reports whether d is strictly earlier than o. OpenDate is later than every concrete date.
func (d Date) Before(o Date) bool { return d < o }

// Time returns midnight UTC of the day.
func (d Date) Time() (time.Time, error) {
	if d.IsOpen() {
		return time.Time{}, ErrInvalidDate
	}
	return time.Parse(dateLayout, string(d))
}

// AddDays shifts a concrete date by n calendar days.
func (d Date) AddDays(n int) (Date, error) {
	t, err := d.Time()
	if err != nil {
		return "", err
	}
	return DateOf(t.AddDate(0, 0, n)), nil
}

// MemberKind distinguishes natural persons from member organisations.
type MemberKind string

const (
	MemberPerson MemberKind = "person"
	MemberOrg    MemberKind = "org"
)

func (k MemberKind) Valid() bool { return k == MemberPerson || k == MemberOrg }

// Phase is the lifecycle position of a record in its relationship thread.
type Phase string

const (
	PhaseOpen       Phase = "open"
	PhaseEnded      Phase = "ended"
	PhaseSuperseded Phase = "superseded"
)

// Record is one membership stint of a member within an organization.
type Record struct {
	Key         string     `json:"key" bson:"key"`
	TenantID    string     `json:"tenant_id" bson:"tenant_id"`
	MemberKey   string     `json:"member_key" bson:"member_key"`
	MemberName1 string     `json:"member_name1" bson:"member_name1"`
	MemberName2 string     `json:"member_name2,omitempty" bson:"member_name2"`
	MemberKind  MemberKind `json:"member_kind" bson:"member_kind"`
	OrgKey      string     `json:"org_key" bson:"org_key"`
	OrgName     string     `json:"org_name" bson:"org_name"`
	DateOfEntry Date       `json:"date_of_entry" bson:"date_of_entry"`
	DateOfExit  Date       `json:"date_of_exit" bson:"date_of_exit"`
	Category    string     `json:"category" bson:"category"`
	State       string     `json:"state" bson:"state"`
	Order       int        `json:"order" bson:"order"`
	RelIsLast   bool       `json:"rel_is_last" bson:"rel_is_last"`
	RelLog      string     `json:"rel_log" bson:"rel_log"`
	Tags        string     `json:"tags,omitempty" bson:"tags"`
	Notes       string     `json:"notes,omitempty" bson:"notes"`
	Archived    bool       `json:"archived" bson:"archived"`
	Version     int64      `json:"version" bson:"version"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
}

// Phase derives the lifecycle position from RelIsLast and DateOfExit.
func (r Record) Phase() Phase {
	switch {
	case !r.RelIsLast:
		return PhaseSuperseded
	case r.DateOfExit.IsOpen():
		return PhaseOpen
	default:
		return PhaseEnded
	}
}

// NewRecord carries the caller supplied fields of a new stint.
type NewRecord struct {
	TenantID    string
	MemberKey   string
	MemberName1 string
	MemberName2 string
	MemberKind  MemberKind
	OrgKey      string
	OrgName     string
	Category    string
	DateOfEntry Date
	Tags        string
	Notes       string
}

// Transition is the outcome of a category change: the closed stint and its successor.
type Transition struct {
	Closed Record `json:"closed"`
	Opened Record `json:"opened"`
}

var (
	ErrNotFound        = errors.New("membership not found")
	ErrInvalidInput    = errors.New("invalid membership input")
	ErrInvalidDate     = errors.New("invalid date (want YYYYMMDD)")
	ErrNotOpen         = errors.New("membership is not open")
	ErrStillOpen       = errors.New("membership is still open")
	ErrAlreadyOpen     = errors.New("member already has an open membership in this organization")
	ErrInvalidInterval = errors.New("date of exit would precede date of entry")
	ErrUnknownCategory = errors.New("unknown membership category")
	ErrSameCategory    = errors.New("membership already has this category")
	ErrInvalidCatalog  = errors.New("invalid category catalog")
	ErrConflict        = errors.New("membership was modified concurrently")
)
