package gtfseditor

import (
	"fmt"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// resolveChunk keeps IN lists under SQLite's bound parameter limit.
const resolveChunk = 500

// Resolver translates between the natural keys GTFS files use and row ids, within one project.
// Lookups are batched: ResolveMany costs one query per chunk of distinct keys.
type Resolver struct {
	conn      *sqlite.Conn
	projectID int64
	queries   int
}

func NewResolver(conn *sqlite.Conn, projectID int64) *Resolver {
	return &Resolver{conn: conn, projectID: projectID}
}

// Queries returns how many lookups the resolver has run.
func (r *Resolver) Queries() int {
	return r.queries
}

// Resolve looks up one natural key, returning ErrNotFound on a miss.
func (r *Resolver) Resolve(kind Kind, key string) (int64, error) {
	ids, err := r.ResolveMany(kind, []string{key})
	if err != nil {
		return 0, err
	}
	id, ok := ids[key]
	if !ok {
		return 0, fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
	}
	return id, nil
}

// ResolveMany looks up every distinct key at once. Keys that do not exist are absent from the result.
func (r *Resolver) ResolveMany(kind Kind, keys []string) (map[string]int64, error) {
	target := mustRefTarget(kind)

	seen := make(map[string]bool, len(keys))
	var distinct []string
	for _, key := range keys {
		if key != "" && !seen[key] {
			seen[key] = true
			distinct = append(distinct, key)
		}
	}

	out := make(map[string]int64, len(distinct))
	for start := 0; start < len(distinct); start += resolveChunk {
		chunk := distinct[start:min(start+resolveChunk, len(distinct))]

		query := fmt.Sprintf("SELECT id, %s FROM %s WHERE project_id = ? AND %s IN (%s)",
			target.Column, target.Table, target.Column, placeholders(len(chunk)))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, r.projectID)
		for _, key := range chunk {
			args = append(args, key)
		}

		r.queries++
		err := sqlitex.ExecTransient(r.conn, query, func(stmt *sqlite.Stmt) error {
			out[stmt.ColumnText(1)] = stmt.ColumnInt64(0)
			return nil
		}, args...)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", kind, err)
		}
	}
	return out, nil
}

// NaturalKeys maps the id of every row of kind in the project to its natural key.
func (r *Resolver) NaturalKeys(kind Kind) (map[int64]string, error) {
	target := mustRefTarget(kind)
	out := make(map[int64]string)
	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE project_id = ?", target.Column, target.Table)
	r.queries++
	err := sqlitex.Exec(r.conn, query, func(stmt *sqlite.Stmt) error {
		out[stmt.ColumnInt64(0)] = stmt.ColumnText(1)
		return nil
	}, r.projectID)
	if err != nil {
		return nil, fmt.Errorf("natural keys of %s: %w", kind, err)
	}
	return out, nil
}

// Sole returns the id of the project's only row of kind. ok is false if there are zero or several.
func (r *Resolver) Sole(kind Kind) (id int64, ok bool, err error) {
	target := mustRefTarget(kind)
	count := 0
	r.queries++
	err = sqlitex.Exec(r.conn, fmt.Sprintf("SELECT id FROM %s WHERE project_id = ? LIMIT 2", target.Table),
		func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			count++
			return nil
		}, r.projectID)
	if err != nil {
		return 0, false, fmt.Errorf("sole %s: %w", kind, err)
	}
	if count != 1 {
		return 0, false, nil
	}
	return id, true, nil
}

func mustRefTarget(kind Kind) refTarget {
	target, ok := refTargets[kind]
	if !ok {
		panic(fmt.Sprintf("%s cannot be referenced", kind))
	}
	return target
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
