// Package db embeds the SQL migrations applied at startup.
package db

import (
	"embed"
	"io/fs"
	"slices"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migration is one idempotent DDL script.
type Migration struct {
	Name string
	SQL  string
}

// Migrations returns the embedded scripts ordered by file name.
func Migrations() ([]Migration, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Name: name, SQL: string(b)})
	}
	return out, nil
}
