package gtfseditor

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// CreationStatus tracks how a project's data came to be.
type CreationStatus string

const (
	CreationEmpty            CreationStatus = "empty"
	CreationLoadingGTFS      CreationStatus = "loading_gtfs"
	CreationErrorLoadingGTFS CreationStatus = "error_loading_gtfs"
	CreationFromGTFS         CreationStatus = "from_gtfs"
)

// BuildStatus is the state of a project's build/validate pipeline.
type BuildStatus string

const (
	BuildNone       BuildStatus = "none"
	BuildQueued     BuildStatus = "queued"
	BuildBuilding   BuildStatus = "building"
	BuildValidating BuildStatus = "validating"
	BuildFinished   BuildStatus = "finished"
	BuildError      BuildStatus = "error"
	BuildCanceled   BuildStatus = "canceled"
)

// Running reports whether a build job owns the project in this state.
func (s BuildStatus) Running() bool {
	return s == BuildQueued || s == BuildBuilding || s == BuildValidating
}

// ValidationReport is the outcome of the last build's validation.
type ValidationReport struct {
	Message  string        `json:"message"`
	Errors   int           `json:"errors"`
	Warnings int           `json:"warnings"`
	Infos    int           `json:"infos"`
	Duration time.Duration `json:"duration"`
}

type Project struct {
	ID             int64             `json:"id"`
	Owner          string            `json:"owner"`
	Name           string            `json:"name"`
	CreationStatus CreationStatus    `json:"creation_status"`
	BuildStatus    BuildStatus       `json:"build_status"`
	BuildJobID     string            `json:"build_job_id,omitempty"`
	LastModified   time.Time         `json:"last_modified"`
	ZipBuiltAt     *time.Time        `json:"zip_built_at,omitempty"`
	Validation     *ValidationReport `json:"validation,omitempty"`
	Envelope       json.RawMessage   `json:"envelope"`
}

const projectColumns = `id, owner, name, creation_status, build_status, build_job_id, last_modified,
	gtfs_zip_built_at, validation_message, validation_errors, validation_warnings, validation_infos,
	validation_duration_ms, envelope`

// CreateProject creates an empty project. An empty envelope means the whole world.
func CreateProject(conn *sqlite.Conn, owner, name, envelope string) (*Project, error) {
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if owner == "" || name == "" {
		return nil, fmt.Errorf("%w: project owner and name are required", ErrInvalidInput)
	}
	if envelope == "" {
		envelope = WorldEnvelope
	}
	if _, err := ParseEnvelope(envelope); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := sqlitex.Exec(conn, `INSERT INTO projects (owner, name, creation_status, build_status, last_modified, envelope)
		VALUES (?, ?, ?, ?, ?, ?)`, sqlitexNoop, owner, name, string(CreationEmpty), string(BuildNone), now, envelope)
	if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
		return nil, fmt.Errorf("%w: %s already has a project named %q", ErrConflict, owner, name)
	} else if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return GetProject(conn, conn.LastInsertRowID())
}

func GetProject(conn *sqlite.Conn, id int64) (*Project, error) {
	var project *Project
	err := sqlitex.Exec(conn, "SELECT "+projectColumns+" FROM projects WHERE id = ?", func(stmt *sqlite.Stmt) error {
		var err error
		project, err = scanProject(stmt)
		return err
	}, id)
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	if project == nil {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return project, nil
}

// ListProjects returns the owner's projects by name. An empty owner lists every project.
func ListProjects(conn *sqlite.Conn, owner string) ([]*Project, error) {
	query := "SELECT " + projectColumns + " FROM projects"
	var args []any
	if owner != "" {
		query += " WHERE owner = ?"
		args = append(args, owner)
	}
	query += " ORDER BY owner, name"

	var out []*Project
	err := sqlitex.Exec(conn, query, func(stmt *sqlite.Stmt) error {
		project, err := scanProject(stmt)
		if err != nil {
			return err
		}
		out = append(out, project)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// UpdateProject renames a project and replaces its envelope. Empty arguments keep the current value.
func UpdateProject(conn *sqlite.Conn, id int64, name, envelope string) (*Project, error) {
	project, err := GetProject(conn, id)
	if err != nil {
		return nil, err
	}
	if name = strings.TrimSpace(name); name == "" {
		name = project.Name
	}
	if envelope == "" {
		envelope = string(project.Envelope)
	} else if _, err := ParseEnvelope(envelope); err != nil {
		return nil, err
	}

	err = sqlitex.Exec(conn, "UPDATE projects SET name = ?, envelope = ?, last_modified = ? WHERE id = ?", sqlitexNoop,
		name, envelope, time.Now().UTC().Format(time.RFC3339Nano), id)
	if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
		return nil, fmt.Errorf("%w: %s already has a project named %q", ErrConflict, project.Owner, name)
	} else if err != nil {
		return nil, fmt.Errorf("update project %d: %w", id, err)
	}
	return GetProject(conn, id)
}

// DeleteProject deletes a project and, by cascade, everything it owns.
func DeleteProject(conn *sqlite.Conn, id int64) error {
	if err := sqlitex.Exec(conn, "DELETE FROM projects WHERE id = ?", sqlitexNoop, id); err != nil {
		return fmt.Errorf("delete project %d: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}

// BuiltZip returns the archive stored by the project's last successful build.
func BuiltZip(conn *sqlite.Conn, id int64) ([]byte, error) {
	var data []byte
	found := false
	err := sqlitex.Exec(conn, "SELECT gtfs_zip FROM projects WHERE id = ? AND gtfs_zip IS NOT NULL", func(stmt *sqlite.Stmt) error {
		found = true
		var err error
		data, err = io.ReadAll(stmt.GetReader("gtfs_zip"))
		return err
	}, id)
	if err != nil {
		return nil, fmt.Errorf("read built zip of project %d: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("built zip of project %d: %w", id, ErrNotFound)
	}
	return data, nil
}

func requireProject(conn *sqlite.Conn, id int64) error {
	found := false
	err := sqlitex.Exec(conn, "SELECT 1 FROM projects WHERE id = ?", func(*sqlite.Stmt) error {
		found = true
		return nil
	}, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}

func setCreationStatus(conn *sqlite.Conn, id int64, status CreationStatus) error {
	return sqlitex.Exec(conn, "UPDATE projects SET creation_status = ? WHERE id = ?", sqlitexNoop, string(status), id)
}

func scanProject(stmt *sqlite.Stmt) (*Project, error) {
	p := &Project{
		ID:             stmt.GetInt64("id"),
		Owner:          stmt.GetText("owner"),
		Name:           stmt.GetText("name"),
		CreationStatus: CreationStatus(stmt.GetText("creation_status")),
		BuildStatus:    BuildStatus(stmt.GetText("build_status")),
		BuildJobID:     stmt.GetText("build_job_id"),
		Envelope:       json.RawMessage(stmt.GetText("envelope")),
	}

	var err error
	if p.LastModified, err = time.Parse(time.RFC3339Nano, stmt.GetText("last_modified")); err != nil {
		return nil, fmt.Errorf("project %d last_modified: %w", p.ID, err)
	}
	if builtAt := stmt.GetText("gtfs_zip_built_at"); builtAt != "" {
		t, err := time.Parse(time.RFC3339Nano, builtAt)
		if err != nil {
			return nil, fmt.Errorf("project %d gtfs_zip_built_at: %w", p.ID, err)
		}
		p.ZipBuiltAt = &t
	}
	if msg := stmt.GetText("validation_message"); msg != "" {
		p.Validation = &ValidationReport{
			Message:  msg,
			Errors:   int(stmt.GetInt64("validation_errors")),
			Warnings: int(stmt.GetInt64("validation_warnings")),
			Infos:    int(stmt.GetInt64("validation_infos")),
			Duration: time.Duration(stmt.GetInt64("validation_duration_ms")) * time.Millisecond,
		}
	}
	return p, nil
}
