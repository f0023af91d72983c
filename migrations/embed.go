// Package migrations embeds the registry schema so the worker binary can
// migrate a database without shipping the SQL files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
