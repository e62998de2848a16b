// Package migrations holds the facility schema as versioned SQL files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
