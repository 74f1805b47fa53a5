package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	sqlFileRe     = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
	createTableRe = regexp.MustCompile(`(?i)CREATE TABLE (?:IF NOT EXISTS )?([a-z_][a-z0-9_]*)`)
	dropTableRe   = regexp.MustCompile(`(?i)DROP TABLE (?:IF EXISTS )?([a-z_][a-z0-9_]*)`)
)

const (
	upMarker   = "-- +goose Up"
	downMarker = "-- +goose Down"
)

type migrationFile struct {
	version string
	name    string
	up      string
	down    string
}

// ValidateDir validates migration filenames and goose section markers.
func ValidateDir(dir string) error {
	_, err := readDir(dir)
	return err
}

// ValidateTables checks that every table is created by some Up section and
// dropped by some Down section. The document store relies on all of them.
func ValidateTables(dir string, tables ...string) error {
	files, err := readDir(dir)
	if err != nil {
		return err
	}
	created := map[string]string{}
	dropped := map[string]bool{}
	for _, f := range files {
		for _, m := range createTableRe.FindAllStringSubmatch(f.up, -1) {
			created[strings.ToLower(m[1])] = f.name
		}
		for _, m := range dropTableRe.FindAllStringSubmatch(f.down, -1) {
			dropped[strings.ToLower(m[1])] = true
		}
	}
	var missing []string
	for _, table := range tables {
		t := strings.ToLower(table)
		if _, ok := created[t]; !ok {
			missing = append(missing, t+" (create)")
			continue
		}
		if !dropped[t] {
			missing = append(missing, t+" (drop)")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("migrations in %q do not cover tables: %s", dir, strings.Join(missing, ", "))
	}
	return nil
}

func readDir(dir string) ([]migrationFile, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	seen := map[string]string{} // version -> filename
	var files []migrationFile

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}

		version := m[1]
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %s in %q and %q", version, prev, name)
		}
		seen[version] = name

		full := filepath.Join(dir, name)
		b, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read file %q: %w", full, err)
		}

		txt := string(b)
		up := strings.Index(txt, upMarker)
		down := strings.Index(txt, downMarker)
		switch {
		case up < 0:
			return nil, fmt.Errorf("migration %q missing %q", name, upMarker)
		case down < 0:
			return nil, fmt.Errorf("migration %q missing %q", name, downMarker)
		case down < up:
			return nil, fmt.Errorf("migration %q has its Down section before Up", name)
		}
		files = append(files, migrationFile{
			version: version,
			name:    name,
			up:      txt[up:down],
			down:    txt[down:],
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
