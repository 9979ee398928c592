package membership

import (
	"fmt"
	"strings"
)

// Open builds the first record of a new stint. Key and timestamps are left to the caller.
func Open(in NewRecord, cat *Catalog, order int) (Record, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.MemberKey = strings.TrimSpace(in.MemberKey)
	in.OrgKey = strings.TrimSpace(in.OrgKey)
	if in.TenantID == "" || in.MemberKey == "" || in.OrgKey == "" {
		return Record{}, fmt.Errorf("%w: tenant, member and organization are required", ErrInvalidInput)
	}
	if in.MemberKind == "" {
		in.MemberKind = MemberPerson
	}
	if !in.MemberKind.Valid() {
		return Record{}, fmt.Errorf("%w: member kind %q", ErrInvalidInput, in.MemberKind)
	}
	if order < 1 {
		return Record{}, fmt.Errorf("%w: order must be >= 1", ErrInvalidInput)
	}
	entry, err := concreteDate(in.DateOfEntry)
	if err != nil {
		return Record{}, err
	}
	in.DateOfEntry = entry
	c, err := cat.Lookup(in.Category)
	if err != nil {
		return Record{}, err
	}
	return Record{
		TenantID:    in.TenantID,
		MemberKey:   in.MemberKey,
		MemberName1: strings.TrimSpace(in.MemberName1),
		MemberName2: strings.TrimSpace(in.MemberName2),
		MemberKind:  in.MemberKind,
		OrgKey:      in.OrgKey,
		OrgName:     strings.TrimSpace(in.OrgName),
		DateOfEntry: in.DateOfEntry,
		DateOfExit:  OpenDate,
		Category:    c.Name,
		State:       c.State,
		Order:       order,
		RelIsLast:   true,
		RelLog:      AppendLog("", in.DateOfEntry, c.Abbreviation),
		Tags:        in.Tags,
		Notes:       in.Notes,
	}, nil
}

// End closes an open stint on the given exit date. The record stays the last of its thread.
func End(rec Record, exit Date) (Record, error) {
	if rec.Phase() != PhaseOpen || rec.Archived {
		return Record{}, ErrNotOpen
	}
	exit, err := concreteDate(exit)
	if err != nil {
		return Record{}, err
	}
	if exit.Before(rec.DateOfEntry) {
		return Record{}, ErrInvalidInterval
	}
	rec.DateOfExit = exit
	rec.RelIsLast = true
	rec.RelLog = AppendLog(rec.RelLog, exit, ExitAbbreviation)
	return rec, nil
}

// ChangeCategory closes old on the day before effective and opens its successor under next.
// The closing token carries the old category's abbreviation; the successor's log continues
// the closed trail.
func ChangeCategory(old Record, cat *Catalog, next Category, effective Date) (Transition, error) {
	if old.Phase() != PhaseOpen || old.Archived {
		return Transition{}, ErrNotOpen
	}
	effective, err := concreteDate(effective)
	if err != nil {
		return Transition{}, err
	}
	closing, err := effective.AddDays(-1)
	if err != nil {
		return Transition{}, err
	}
	if closing.Before(old.DateOfEntry) {
		return Transition{}, ErrInvalidInterval
	}
	prev, err := cat.Lookup(old.Category)
	if err != nil {
		return Transition{}, err
	}
	next, err = cat.Lookup(next.Name)
	if err != nil {
		return Transition{}, err
	}
	if next.Name == prev.Name {
		return Transition{}, ErrSameCategory
	}

	closed := old
	closed.RelIsLast = false
	closed.DateOfExit = closing
	closed.RelLog = AppendLog(old.RelLog, closing, prev.Abbreviation)

	opened := Record{
		TenantID:    old.TenantID,
		MemberKey:   old.MemberKey,
		MemberName1: old.MemberName1,
		MemberName2: old.MemberName2,
		MemberKind:  old.MemberKind,
		OrgKey:      old.OrgKey,
		OrgName:     old.OrgName,
		Tags:        old.Tags,
		Notes:       old.Notes,

		Category:    next.Name,
		State:       next.State,
		DateOfEntry: effective,
		DateOfExit:  OpenDate,
		Order:       old.Order + 1,
		RelIsLast:   true,
		RelLog:      AppendLog(closed.RelLog, effective, next.Abbreviation),
	}
	return Transition{Closed: closed, Opened: opened}, nil
}
