package pg

import "embed"

// Files holds the schema migrations (migrations/) and demo seeds (seeds/).
//
//go:embed migrations/*.sql seeds/*.sql
var Files embed.FS

const (
	MigrationsDir = "migrations"
	SeedsDir      = "seeds"
)
