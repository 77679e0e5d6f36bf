package types

import "github.com/uptrace/bun"

// User is the owner of user_stats rows. Only the id is read by the reconciler.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID       int64  `bun:",pk"      json:"id"`
	UserName string `bun:",notnull" json:"userName"`
}
