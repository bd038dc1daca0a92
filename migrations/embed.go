// Package migrations embeds the SQL files applied by "lims-server migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
