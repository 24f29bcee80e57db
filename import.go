package gtfseditor

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// DisassembleResult describes a whole-feed import.
type DisassembleResult struct {
	// Files holds one result per file kind in import order, including kinds absent from the
	// archive, which are reconciled as empty.
	Files []*ReconcileResult `json:"files"`
	// Ignored lists archive entries that are not GTFS files this editor stores.
	Ignored []string `json:"ignored,omitempty"`
}

// Disassemble replaces the project's data with the feed in data. Every file is parsed before the
// database is touched, and the import runs in one transaction with foreign keys checked at
// commit, so on any error the project is left as it was.
func Disassemble(conn *sqlite.Conn, projectID int64, data []byte) (*DisassembleResult, error) {
	inputZip, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, formatErrorf("", "not a zip archive: %v", err)
	}

	res := &DisassembleResult{}
	files := make(map[Kind]*zip.File)
	for _, f := range inputZip.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		kind, ok := KindByName(name)
		if !ok || !strings.HasSuffix(name, ".txt") {
			slog.Info("Ignoring other file " + f.Name)
			res.Ignored = append(res.Ignored, f.Name)
			continue
		}
		if _, dup := files[kind]; dup {
			return nil, formatErrorf(name, "appears more than once in the archive")
		}
		files[kind] = f
	}
	if files[KindAgency] == nil {
		return nil, &FeedError{File: KindAgency.FileName(), Err: fmt.Errorf("%w: required file is missing", ErrInvalidInput)}
	}

	parsed := make(map[Kind][]*Row, len(files))
	for kind, f := range files {
		rows, err := readZipFile(kind, f)
		if err != nil {
			return nil, err
		}
		parsed[kind] = rows
	}

	if err := disassembleIn(conn, projectID, parsed, res); err != nil {
		return nil, err
	}
	return res, nil
}

func disassembleIn(conn *sqlite.Conn, projectID int64, parsed map[Kind][]*Row, res *DisassembleResult) (err error) {
	defer func() { err = asConflict(err) }()
	defer sqlitex.Save(conn)(&err)

	if err := touchProject(conn, projectID); err != nil {
		return err
	}
	// Files are reconciled one at a time, so references are only consistent once all are done.
	if err := sqlitex.ExecTransient(conn, "PRAGMA defer_foreign_keys = ON", sqlitexNoop); err != nil {
		return err
	}

	for _, kind := range importOrder {
		r, err := Reconcile(conn, projectID, kind, parsed[kind])
		if err != nil {
			return fmt.Errorf("import %s: %w", kind.FileName(), err)
		}
		res.Files = append(res.Files, r)
	}
	return nil
}

func readZipFile(kind Kind, f *zip.File) ([]*Row, error) {
	inputF, err := f.Open()
	if err != nil {
		return nil, formatErrorf(kind.FileName(), "open: %v", err)
	}
	defer func() { _ = inputF.Close() }()

	rows, err := ReadCSV(kind, inputF)
	if err != nil {
		var feedErr *FeedError
		if errors.As(err, &feedErr) {
			return nil, err
		}
		return nil, formatErrorf(kind.FileName(), "read: %v", err)
	}
	slog.Info(fmt.Sprintf("Read %d rows from %s", len(rows), f.Name))
	return rows, nil
}

// ImportFeed runs Disassemble and records its progress in the project's creation status.
func ImportFeed(conn *sqlite.Conn, projectID int64, data []byte) (*DisassembleResult, error) {
	if err := requireProject(conn, projectID); err != nil {
		return nil, err
	}
	if err := setCreationStatus(conn, projectID, CreationLoadingGTFS); err != nil {
		return nil, err
	}

	res, err := Disassemble(conn, projectID, data)
	if err != nil {
		slog.Error(fmt.Sprintf("Import failed: %v", err), "project", projectID)
		if statusErr := setCreationStatus(conn, projectID, CreationErrorLoadingGTFS); statusErr != nil {
			return nil, errors.Join(err, statusErr)
		}
		return nil, err
	}
	if err := setCreationStatus(conn, projectID, CreationFromGTFS); err != nil {
		return nil, err
	}
	return res, nil
}

// ImportFile makes the project's rows of kind mirror a single uploaded GTFS file.
func ImportFile(conn *sqlite.Conn, projectID int64, kind Kind, r io.Reader) (*ReconcileResult, error) {
	rows, err := ReadCSV(kind, r)
	if err != nil {
		return nil, err
	}
	return Reconcile(conn, projectID, kind, rows)
}
