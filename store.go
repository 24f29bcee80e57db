package gtfseditor

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// storedRow is a row as the database holds it: reference columns carry row ids, not natural keys.
type storedRow struct {
	ID     int64
	Values []any
}

func selectQuery(schema *fileSchema) string {
	cols := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		cols[i] = col.Name
	}
	return fmt.Sprintf("SELECT id, %s FROM %s WHERE project_id = ? ORDER BY id", strings.Join(cols, ", "), schema.Name)
}

func selectRows(conn *sqlite.Conn, kind Kind, projectID int64) ([]storedRow, error) {
	schema := kind.schema()
	var out []storedRow
	err := sqlitex.Exec(conn, selectQuery(schema), func(stmt *sqlite.Stmt) error {
		row := storedRow{ID: stmt.ColumnInt64(0), Values: make([]any, len(schema.Columns))}
		for i, col := range schema.Columns {
			v, err := scanColumn(stmt, i+1, col)
			if err != nil {
				return fmt.Errorf("%s row %d: %w", schema.Name, row.ID, err)
			}
			row.Values[i] = v
		}
		out = append(out, row)
		return nil
	}, projectID)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", schema.Name, err)
	}
	return out, nil
}

func scanColumn(stmt *sqlite.Stmt, i int, col columnSchema) (any, error) {
	if stmt.ColumnType(i) == sqlite.SQLITE_NULL {
		return nil, nil
	}
	if col.Ref != 0 {
		return stmt.ColumnInt64(i), nil
	}
	switch col.Type {
	case textType:
		return stmt.ColumnText(i), nil
	case intType:
		return stmt.ColumnInt64(i), nil
	case floatType:
		return stmt.ColumnFloat(i), nil
	case boolType:
		return stmt.ColumnInt64(i) != 0, nil
	case dateType:
		t, err := time.Parse(sqlDateLayout, stmt.ColumnText(i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", col.Name, err)
		}
		return t, nil
	case durationType:
		return time.Duration(stmt.ColumnInt64(i)) * time.Second, nil
	default:
		panic("unreachable")
	}
}

func bindArgs(values []any) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = sqlValue(v)
	}
	return args
}

func insertRow(conn *sqlite.Conn, kind Kind, projectID int64, values []any) (int64, error) {
	schema := kind.schema()
	cols := []string{"project_id"}
	for _, col := range schema.Columns {
		cols = append(cols, col.Name)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", schema.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	args := append([]any{projectID}, bindArgs(values)...)
	if err := sqlitex.Exec(conn, query, sqlitexNoop, args...); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

func updateRow(conn *sqlite.Conn, kind Kind, id int64, values []any) error {
	schema := kind.schema()
	sets := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		sets[i] = col.Name + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", schema.Name, strings.Join(sets, ", "))
	args := append(bindArgs(values), id)
	return sqlitex.Exec(conn, query, sqlitexNoop, args...)
}

func deleteRows(conn *sqlite.Conn, table string, ids []int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	for _, id := range ids {
		if err := sqlitex.Exec(conn, query, sqlitexNoop, id); err != nil {
			return err
		}
	}
	return nil
}

func countRows(conn *sqlite.Conn, kind Kind, projectID int64) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE project_id = ?", kind.schema().Name)
	err := sqlitex.Exec(conn, query, func(stmt *sqlite.Stmt) error {
		n = int(stmt.ColumnInt64(0))
		return nil
	}, projectID)
	return n, err
}

// storageKey identifies a stored row by its key columns, with references compared by row id.
func storageKey(schema *fileSchema, values []any) string {
	parts := make([]string, len(schema.Key))
	for i, idx := range schema.keyIndexes() {
		if schema.Columns[idx].Ref != 0 && values[idx] != nil {
			parts[i] = fmt.Sprintf("#%d", values[idx].(int64))
		} else {
			parts[i] = formatValue(values[idx])
		}
	}
	return strings.Join(parts, "\x1f")
}

// ListRows returns every row of kind in the project, in natural key order, with references
// translated back to natural keys.
func ListRows(conn *sqlite.Conn, projectID int64, kind Kind) ([]*Row, error) {
	schema := kind.schema()
	stored, err := selectRows(conn, kind, projectID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, nil
	}

	resolver := NewResolver(conn, projectID)
	keys := make(map[Kind]map[int64]string)
	for _, ref := range schema.refKinds() {
		if keys[ref], err = resolver.NaturalKeys(ref); err != nil {
			return nil, err
		}
	}

	rows := make([]*Row, len(stored))
	for i, s := range stored {
		row := NewRow(kind)
		for j, col := range schema.Columns {
			v := s.Values[j]
			if col.Ref != 0 && v != nil {
				v = keys[col.Ref][v.(int64)]
			}
			row.Values[j] = v
		}
		rows[i] = row
	}
	sortRows(schema, rows)
	return rows, nil
}

func sortRows(schema *fileSchema, rows []*Row) {
	order := schema.indexes(schema.Order)
	slices.SortStableFunc(rows, func(a, b *Row) int {
		for _, idx := range order {
			if c := compareValues(a.Values[idx], b.Values[idx]); c != 0 {
				return c
			}
		}
		return 0
	})
}
