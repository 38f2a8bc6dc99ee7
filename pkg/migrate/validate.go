package migrate

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// ValidateDir checks the migrations in dir. See ValidateFS.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return ValidateFS(os.DirFS(dir))
}

// ValidateFS checks file names, version uniqueness, and that every file has
// an Up section and a Down section with at least one statement each.
func ValidateFS(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[string]string)
	count := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := seen[m[1]]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		seen[m[1]] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %q: %w", name, err)
		}
		if err := checkSections(string(body)); err != nil {
			return fmt.Errorf("migration %q: %w", name, err)
		}
		count++
	}
	if count == 0 {
		return fmt.Errorf("no migrations found")
	}
	return nil
}

// checkSections requires a statement under both annotations. Comment-only
// sections usually mean a forgotten rollback.
func checkSections(sql string) error {
	var (
		section    string
		statements = map[string]int{}
	)
	scanner := bufio.NewScanner(strings.NewReader(sql))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "-- +goose Up"):
			section = "up"
			statements[section] += 0
		case strings.HasPrefix(line, "-- +goose Down"):
			section = "down"
			statements[section] += 0
		case line == "" || strings.HasPrefix(line, "--"):
		case section != "":
			statements[section]++
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, s := range []struct{ key, annotation string }{
		{"up", "-- +goose Up"},
		{"down", "-- +goose Down"},
	} {
		n, ok := statements[s.key]
		if !ok {
			return fmt.Errorf("missing %q", s.annotation)
		}
		if n == 0 {
			return fmt.Errorf("empty %s section", s.key)
		}
	}
	return nil
}
