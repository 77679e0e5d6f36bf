package types

import (
	"time"

	"github.com/uptrace/bun"
)

// DuplicateKind names a class of duplicate user_stats rows.
type DuplicateKind string

const (
	// DuplicateOpen groups open rows (closed = false) sharing a user id.
	DuplicateOpen DuplicateKind = "open"
	// DuplicateDaily groups rows sharing a user id and a date.
	DuplicateDaily DuplicateKind = "daily"
)

// UserStat is one statistics record of a user.
// At most one open row per user and one row per user per day may exist.
type UserStat struct {
	bun.BaseModel `bun:"table:user_stats,alias:us"`

	ID         int64     `bun:",pk,autoincrement"       json:"id"`
	UserID     int64     `bun:",notnull"                json:"userId"`
	Closed     bool      `bun:",notnull,default:false"  json:"closed"`
	Date       time.Time `bun:",notnull,type:date"      json:"date"`
	Expiration time.Time `bun:",nullzero"               json:"expiration"`
}

// DuplicateGroup is a set of rows sharing a key that should hold a single row.
// KeepID is the canonical survivor (the smallest id); DropIDs are the excess rows.
type DuplicateGroup struct {
	Kind    DuplicateKind `json:"kind"`
	UserID  int64         `json:"userId"`
	Date    string        `json:"date,omitempty"`
	KeepID  int64         `json:"keepId"`
	DropIDs []int64       `json:"dropIds"`
}

// DuplicateSummary counts duplicate groups and excess rows for both classes.
type DuplicateSummary struct {
	OpenGroups  int64 `json:"openGroups"`
	OpenExcess  int64 `json:"openExcess"`
	DailyGroups int64 `json:"dailyGroups"`
	DailyExcess int64 `json:"dailyExcess"`
}

// Clean reports whether no duplicates were found.
func (s *DuplicateSummary) Clean() bool {
	return s.OpenGroups == 0 && s.DailyGroups == 0
}
