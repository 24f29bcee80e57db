package gtfseditor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// AssembleResult is a project exported as a GTFS archive.
type AssembleResult struct {
	Zip []byte
	// Files lists the archive entries in the order written.
	Files []string
	// Warnings names mandatory files left out because the project has no rows for them.
	Warnings []string
}

// Assemble exports every non-empty file of the project into a GTFS zip. Rows are written in
// natural key order and entries carry no timestamps, so the same project always produces the
// same bytes.
func Assemble(conn *sqlite.Conn, projectID int64) (res *AssembleResult, err error) {
	// Read everything inside one transaction so the archive is a consistent snapshot.
	defer sqlitex.Save(conn)(&err)

	if err := requireProject(conn, projectID); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	outputZip := zip.NewWriter(&buf)
	res = &AssembleResult{}

	for _, kind := range exportOrder {
		rows, err := ListRows(conn, projectID, kind)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			if kind.Mandatory() {
				warning := fmt.Sprintf("%s is mandatory but the project has no rows for it, omitted", kind.FileName())
				slog.Warn(warning, "project", projectID)
				res.Warnings = append(res.Warnings, warning)
			}
			continue
		}

		if err := exportKindIn(outputZip, kind, rows); err != nil {
			return nil, fmt.Errorf("write %s: %w", kind.FileName(), err)
		}
		res.Files = append(res.Files, kind.FileName())
	}

	if err := outputZip.Close(); err != nil {
		return nil, err
	}
	res.Zip = buf.Bytes()

	slog.Info(fmt.Sprintf("Assembled %d files (%d bytes)", len(res.Files), len(res.Zip)), "project", projectID)
	return res, nil
}

func exportKindIn(outputZip *zip.Writer, kind Kind, rows []*Row) error {
	outputF, err := outputZip.Create(kind.FileName())
	if err != nil {
		return err
	}
	if err := WriteCSV(kind, outputF, rows); err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("Wrote %d rows to %s", len(rows), kind.FileName()))
	return nil
}

// ExportFile writes the project's current rows of kind as a GTFS file. A kind without rows
// produces just the header.
func ExportFile(conn *sqlite.Conn, projectID int64, kind Kind, w io.Writer) error {
	if err := requireProject(conn, projectID); err != nil {
		return err
	}
	rows, err := ListRows(conn, projectID, kind)
	if err != nil {
		return err
	}
	return WriteCSV(kind, w, rows)
}
