package gtfseditor

import (
	"fmt"
	"log/slog"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// ReconcileResult summarises one reconciliation of a kind within a project.
type ReconcileResult struct {
	Kind    Kind `json:"-"`
	Rows    int  `json:"rows"` // rows of the kind in the project afterwards
	Created int  `json:"created"`
	Updated int  `json:"updated"`
	Deleted int  `json:"deleted"`
	// Warnings lists incoming rows that were skipped, such as later duplicates of a natural key.
	Warnings []*RowError `json:"warnings,omitempty"`
}

// Reconcile makes the project's rows of kind mirror rows: rows matched by natural key are
// updated, unmatched rows are created, and stored rows absent from rows are deleted.
// It runs in a savepoint, so it is atomic on its own and joins a transaction already open on conn.
func Reconcile(conn *sqlite.Conn, projectID int64, kind Kind, rows []*Row) (*ReconcileResult, error) {
	return reconcile(conn, projectID, kind, rows, true)
}

// Upsert creates or updates rows by natural key and leaves every other row alone.
// For shapes, each shape named in rows has its point list replaced.
func Upsert(conn *sqlite.Conn, projectID int64, kind Kind, rows []*Row) (*ReconcileResult, error) {
	return reconcile(conn, projectID, kind, rows, false)
}

func reconcile(conn *sqlite.Conn, projectID int64, kind Kind, rows []*Row, mirror bool) (res *ReconcileResult, err error) {
	defer func() { err = asConflict(err) }()
	defer sqlitex.Save(conn)(&err)

	if err := touchProject(conn, projectID); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Kind != kind {
			return nil, fmt.Errorf("reconcile %s: got a %s row", kind, row.Kind)
		}
	}

	res = &ReconcileResult{Kind: kind}
	rows, res.Warnings = dedupe(kind, rows)
	for _, w := range res.Warnings {
		slog.Warn(fmt.Sprintf("Skipping %s", w.Error()), "project", projectID)
	}

	if kind == KindShape {
		err = reconcileShapes(conn, projectID, rows, mirror, res)
	} else {
		err = reconcileRows(conn, projectID, kind, rows, mirror, res)
	}
	if err != nil {
		return nil, err
	}

	if res.Rows, err = countRows(conn, kind, projectID); err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("Reconciled %s: %d created, %d updated, %d deleted, %d rows",
		kind.FileName(), res.Created, res.Updated, res.Deleted, res.Rows), "project", projectID)
	return res, nil
}

// dedupe keeps the first row for each natural key and reports the rest.
func dedupe(kind Kind, rows []*Row) ([]*Row, []*RowError) {
	firstLine := make(map[string]int, len(rows))
	out := rows[:0:0]
	var warnings []*RowError
	for _, row := range rows {
		key := row.keyString()
		if line, ok := firstLine[key]; ok {
			warnings = append(warnings, &RowError{
				File:    kind.FileName(),
				Line:    row.Line,
				Message: fmt.Sprintf("duplicate of the row on line %d, ignored", line),
			})
			continue
		}
		firstLine[key] = row.Line
		out = append(out, row)
	}
	return out, warnings
}

func reconcileRows(conn *sqlite.Conn, projectID int64, kind Kind, rows []*Row, mirror bool, res *ReconcileResult) error {
	schema := kind.schema()
	resolver := NewResolver(conn, projectID)

	values, err := resolveRows(resolver, schema, rows)
	if err != nil {
		return err
	}

	existing, err := selectRows(conn, kind, projectID)
	if err != nil {
		return err
	}
	byKey := make(map[string]int64, len(existing))
	for _, e := range existing {
		byKey[storageKey(schema, e.Values)] = e.ID
	}

	ids := make([]int64, len(values))
	incoming := make(map[string]bool, len(values))
	for i, v := range values {
		key := storageKey(schema, v)
		incoming[key] = true
		ids[i] = byKey[key]
	}

	// Deleting first frees unique values that incoming rows may reuse.
	if mirror {
		var stale []int64
		for _, e := range existing {
			if !incoming[storageKey(schema, e.Values)] {
				stale = append(stale, e.ID)
			}
		}
		if err := deleteRows(conn, schema.Name, stale); err != nil {
			return fmt.Errorf("delete %s: %w", kind.FileName(), err)
		}
		res.Deleted = len(stale)
	}

	for i, v := range values {
		if ids[i] != 0 {
			if err := updateRow(conn, kind, ids[i], v); err != nil {
				return fmt.Errorf("%s:%d: update: %w", kind.FileName(), rows[i].Line, err)
			}
			res.Updated++
			continue
		}
		id, err := insertRow(conn, kind, projectID, v)
		if err != nil {
			return fmt.Errorf("%s:%d: insert: %w", kind.FileName(), rows[i].Line, err)
		}
		ids[i] = id
		res.Created++
	}

	return resolveSelfRefs(conn, resolver, schema, rows, ids)
}

// resolveRows converts rows to stored values, resolving every reference column with one batched
// lookup per referenced kind. References to the kind being reconciled are left nil and filled in
// by resolveSelfRefs once every incoming row exists.
func resolveRows(resolver *Resolver, schema *fileSchema, rows []*Row) ([][]any, error) {
	file := schema.Name + ".txt"

	resolved := make(map[Kind]map[string]int64)
	soles := make(map[Kind]int64)
	for _, ref := range schema.refKinds() {
		if isSelfRef(schema, ref) {
			continue
		}
		var keys []string
		for _, row := range rows {
			for i, col := range schema.Columns {
				if col.Ref == ref && row.Values[i] != nil {
					keys = append(keys, row.Values[i].(string))
				}
			}
		}
		ids, err := resolver.ResolveMany(ref, keys)
		if err != nil {
			return nil, err
		}
		resolved[ref] = ids
	}
	for _, col := range schema.Columns {
		if col.SoleDefault {
			if id, ok, err := resolver.Sole(col.Ref); err != nil {
				return nil, err
			} else if ok {
				soles[col.Ref] = id
			}
		}
	}

	var rowErrs []*RowError
	out := make([][]any, len(rows))
	for r, row := range rows {
		values := make([]any, len(row.Values))
		copy(values, row.Values)
		for i, col := range schema.Columns {
			if col.Ref == 0 || isSelfRef(schema, col.Ref) {
				if col.Ref != 0 {
					values[i] = nil
				}
				continue
			}
			if values[i] == nil {
				if id, ok := soles[col.Ref]; ok && col.SoleDefault {
					values[i] = id
				} else if col.Required {
					rowErrs = append(rowErrs, &RowError{File: file, Line: row.Line, Column: col.Name,
						Message: "required value is missing"})
				}
				continue
			}
			key := values[i].(string)
			if id, ok := resolved[col.Ref][key]; ok {
				values[i] = id
			} else if col.Required {
				rowErrs = append(rowErrs, &RowError{File: file, Line: row.Line, Column: col.Name,
					Message: fmt.Sprintf("%s %q does not exist", col.Ref, key)})
			} else {
				values[i] = nil
			}
		}
		out[r] = values
	}
	if len(rowErrs) > 0 {
		return nil, invalidRows(file, rowErrs)
	}
	return out, nil
}

func resolveSelfRefs(conn *sqlite.Conn, resolver *Resolver, schema *fileSchema, rows []*Row, ids []int64) error {
	for i, col := range schema.Columns {
		if col.Ref == 0 || !isSelfRef(schema, col.Ref) {
			continue
		}
		var keys []string
		for _, row := range rows {
			if row.Values[i] != nil {
				keys = append(keys, row.Values[i].(string))
			}
		}
		if len(keys) == 0 {
			continue
		}
		resolved, err := resolver.ResolveMany(col.Ref, keys)
		if err != nil {
			return err
		}

		query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", schema.Name, col.Name)
		var rowErrs []*RowError
		for r, row := range rows {
			if row.Values[i] == nil {
				continue
			}
			key := row.Values[i].(string)
			id, ok := resolved[key]
			if !ok {
				if col.Required {
					rowErrs = append(rowErrs, &RowError{File: schema.Name + ".txt", Line: row.Line, Column: col.Name,
						Message: fmt.Sprintf("%s %q does not exist", col.Ref, key)})
				}
				continue
			}
			if err := sqlitex.Exec(conn, query, sqlitexNoop, id, ids[r]); err != nil {
				return fmt.Errorf("%s:%d: %s: %w", schema.Name+".txt", row.Line, col.Name, err)
			}
		}
		if len(rowErrs) > 0 {
			return invalidRows(schema.Name+".txt", rowErrs)
		}
	}
	return nil
}

// isSelfRef reports whether ref points back into the table of schema itself.
func isSelfRef(schema *fileSchema, ref Kind) bool {
	return refTargets[ref].Table == schema.Name
}

// reconcileShapes replaces the point list of every incoming shape as a whole. Point order only
// means something as a complete sequence, so points are never matched individually.
func reconcileShapes(conn *sqlite.Conn, projectID int64, rows []*Row, mirror bool, res *ReconcileResult) error {
	var order []string
	points := make(map[string][]*Row)
	for _, row := range rows {
		shapeID := row.Text("shape_id")
		if _, ok := points[shapeID]; !ok {
			order = append(order, shapeID)
		}
		points[shapeID] = append(points[shapeID], row)
	}

	resolver := NewResolver(conn, projectID)
	existing, err := resolver.NaturalKeys(KindShape)
	if err != nil {
		return err
	}
	headers := make(map[string]int64, len(existing))
	for id, key := range existing {
		headers[key] = id
	}

	if mirror {
		var stale []int64
		for key, id := range headers {
			if _, ok := points[key]; !ok {
				stale = append(stale, id)
			}
		}
		for _, id := range stale {
			n, err := countShapePoints(conn, id)
			if err != nil {
				return err
			}
			res.Deleted += n
		}
		if err := deleteRows(conn, "shape_headers", stale); err != nil {
			return fmt.Errorf("delete shapes: %w", err)
		}
	}

	for _, shapeID := range order {
		headerID, ok := headers[shapeID]
		if ok {
			err := sqlitex.Exec(conn, "DELETE FROM shapes WHERE shape_id = ?", sqlitexNoop, headerID)
			if err != nil {
				return fmt.Errorf("clear shape %s: %w", shapeID, err)
			}
			res.Deleted += conn.Changes()
		} else {
			err := sqlitex.Exec(conn, "INSERT INTO shape_headers (project_id, shape_id) VALUES (?, ?)",
				sqlitexNoop, projectID, shapeID)
			if err != nil {
				return fmt.Errorf("create shape %s: %w", shapeID, err)
			}
			headerID = conn.LastInsertRowID()
		}

		for _, row := range points[shapeID] {
			values := make([]any, len(row.Values))
			copy(values, row.Values)
			values[0] = headerID
			if _, err := insertRow(conn, KindShape, projectID, values); err != nil {
				return fmt.Errorf("shapes.txt:%d: insert: %w", row.Line, err)
			}
			res.Created++
		}
	}
	return nil
}

func countShapePoints(conn *sqlite.Conn, headerID int64) (int, error) {
	var n int
	err := sqlitex.Exec(conn, "SELECT count(*) FROM shapes WHERE shape_id = ?", func(stmt *sqlite.Stmt) error {
		n = int(stmt.ColumnInt64(0))
		return nil
	}, headerID)
	return n, err
}

// DeleteRow deletes the row of kind whose natural key is key. Deleting a shape point that leaves
// its shape empty deletes the shape.
func DeleteRow(conn *sqlite.Conn, projectID int64, kind Kind, key []string) (err error) {
	defer func() { err = asConflict(err) }()
	defer sqlitex.Save(conn)(&err)

	schema := kind.schema()
	if len(key) != len(schema.Key) {
		return fmt.Errorf("%w: %s is identified by %d values, got %d", ErrInvalidInput, kind, len(schema.Key), len(key))
	}
	if err := touchProject(conn, projectID); err != nil {
		return err
	}

	target := NewRow(kind)
	resolver := NewResolver(conn, projectID)
	for i, idx := range schema.keyIndexes() {
		col := schema.Columns[idx]
		if col.Ref != 0 {
			if key[i] == "" {
				continue
			}
			id, err := resolver.Resolve(col.Ref, key[i])
			if err != nil {
				return err
			}
			target.Values[idx] = id
			continue
		}
		v, err := parseValue(col.Type, key[i])
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidInput, col.Name, err)
		}
		target.Values[idx] = v
	}
	want := storageKey(schema, target.Values)

	stored, err := selectRows(conn, kind, projectID)
	if err != nil {
		return err
	}
	for _, s := range stored {
		if storageKey(schema, s.Values) != want {
			continue
		}
		if err := deleteRows(conn, schema.Name, []int64{s.ID}); err != nil {
			return err
		}
		if kind == KindShape {
			headerID := s.Values[0].(int64)
			if n, err := countShapePoints(conn, headerID); err != nil {
				return err
			} else if n == 0 {
				if err := deleteRows(conn, "shape_headers", []int64{headerID}); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return fmt.Errorf("%s %v: %w", kind, key, ErrNotFound)
}

// touchProject marks the project modified. Writers call it before reading anything: a
// transaction that opens with a write waits for the lock, where one upgrading from a read fails
// with SQLITE_BUSY.
func touchProject(conn *sqlite.Conn, projectID int64) error {
	err := sqlitex.Exec(conn, "UPDATE projects SET last_modified = ? WHERE id = ?", sqlitexNoop,
		time.Now().UTC().Format(time.RFC3339Nano), projectID)
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("project %d: %w", projectID, ErrNotFound)
	}
	return nil
}
