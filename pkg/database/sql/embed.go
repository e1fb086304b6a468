// Package sql embeds the Postgres schema so binaries can bootstrap an empty
// database without shipping migration files.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
