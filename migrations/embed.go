// Package migrations holds the Postgres schema of the decision store.
package migrations

import "embed"

// FS contains the golang-migrate up/down pairs.
//
//go:embed *.sql
var FS embed.FS
