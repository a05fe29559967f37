// Package migrations holds the PostgreSQL schema applied by "fhirsub-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
