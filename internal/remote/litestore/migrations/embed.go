// Package migrations embeds the litestore schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
