// Package migrations embeds the state database schema history.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
