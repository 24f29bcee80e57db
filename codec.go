package gtfseditor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Row is one entity as GTFS sees it: canonical values aligned with its kind's columns.
// Reference columns hold the referenced row's natural key, never an internal id.
type Row struct {
	Kind   Kind
	Line   int // line in the source file, zero if the row did not come from a file
	Values []any
}

// NewRow returns an empty row of kind.
func NewRow(kind Kind) *Row {
	return &Row{Kind: kind, Values: make([]any, len(kind.schema().Columns))}
}

// Get returns the canonical value of column, or nil.
func (r *Row) Get(column string) any {
	i := r.Kind.schema().columnIndex(column)
	if i == -1 {
		return nil
	}
	return r.Values[i]
}

// Text returns the value of column as it appears in a GTFS file.
func (r *Row) Text(column string) string {
	return formatValue(r.Get(column))
}

// NaturalKey returns the values identifying the row within its project.
func (r *Row) NaturalKey() []string {
	schema := r.Kind.schema()
	out := make([]string, len(schema.Key))
	for i, idx := range schema.keyIndexes() {
		out[i] = formatValue(r.Values[idx])
	}
	return out
}

func (r *Row) keyString() string {
	return strings.Join(r.NaturalKey(), "\x1f")
}

// Serialize returns the row's fields in file column order.
func (r *Row) Serialize() []string {
	out := make([]string, len(r.Values))
	for i, v := range r.Values {
		out[i] = formatValue(v)
	}
	return out
}

// Map returns the row keyed by column name.
func (r *Row) Map() map[string]string {
	schema := r.Kind.schema()
	out := make(map[string]string, len(schema.Columns))
	for i, col := range schema.Columns {
		out[col.Name] = formatValue(r.Values[i])
	}
	return out
}

// Deserialize parses a raw record keyed by column name. Unknown columns are ignored and
// missing optional columns are nil. The returned error is a *RowError without file or line.
func Deserialize(kind Kind, raw map[string]string) (*Row, error) {
	schema := kind.schema()
	row := NewRow(kind)
	for i, col := range schema.Columns {
		v, err := parseValue(col.Type, raw[col.Name])
		if err != nil {
			return nil, &RowError{Column: col.Name, Message: err.Error()}
		}
		if v == nil && col.Required && !col.SoleDefault {
			return nil, &RowError{Column: col.Name, Message: "required value is missing"}
		}
		row.Values[i] = v
	}
	return row, nil
}

// ReadCSV parses a GTFS file of the given kind. Every row is checked before returning so the
// caller sees all row errors at once.
func ReadCSV(kind Kind, r io.Reader) ([]*Row, error) {
	schema := kind.schema()
	file := kind.FileName()

	inputCSV := csv.NewReader(r)
	inputCSV.FieldsPerRecord = -1 // Allow variable numbers of fields
	inputCSV.LazyQuotes = true

	header, err := inputCSV.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	} else if err != nil {
		return nil, formatErrorf(file, "%v", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[col] = true
	}
	for _, col := range schema.Columns {
		if col.Required && !col.SoleDefault && !present[col.Name] {
			return nil, formatErrorf(file, "missing required column %s", col.Name)
		}
	}

	var rows []*Row
	var rowErrs []*RowError
	raw := make(map[string]string, len(header))
	for {
		record, err := inputCSV.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, formatErrorf(file, "%v", err)
		}
		line, _ := inputCSV.FieldPos(0)

		clear(raw)
		for i, v := range record {
			if i < len(header) {
				raw[header[i]] = v
			}
		}

		row, err := Deserialize(kind, raw)
		if err != nil {
			var rowErr *RowError
			if errors.As(err, &rowErr) {
				rowErr.File = file
				rowErr.Line = line
				rowErrs = append(rowErrs, rowErr)
				continue
			}
			return nil, err
		}
		row.Line = line
		rows = append(rows, row)
	}
	if len(rowErrs) > 0 {
		return nil, invalidRows(file, rowErrs)
	}
	return rows, nil
}

// WriteCSV writes the header of kind followed by rows.
func WriteCSV(kind Kind, w io.Writer, rows []*Row) error {
	outputCSV := csv.NewWriter(w)
	if err := outputCSV.Write(kind.Columns()); err != nil {
		return err
	}
	for _, row := range rows {
		if row.Kind != kind {
			return fmt.Errorf("cannot write %s row to %s", row.Kind, kind.FileName())
		}
		if err := outputCSV.Write(row.Serialize()); err != nil {
			return err
		}
	}
	outputCSV.Flush()
	return outputCSV.Error()
}
