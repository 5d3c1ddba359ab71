// Package migrations embeds the goose SQL migrations applied to the
// outbox and localstore SQLite databases.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
