package gtfseditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/dzfranklin/gtfseditor/jobs"
	"github.com/dzfranklin/gtfseditor/validator"
)

// JobQueue runs builds off the request path. *jobs.Queue implements it.
type JobQueue interface {
	Enqueue(fn func(ctx context.Context, jobID string) error) (string, error)
	Status(jobID string) jobs.State
	IsAlive(jobID string) bool
	Cancel(jobID string) bool
}

// Validator checks an assembled feed. *validator.Runner implements it.
type Validator interface {
	Validate(ctx context.Context, feed []byte) (*validator.Report, error)
}

// Builder drives the build/validate state machine of each project:
//
//	none|finished|error|canceled -> queued -> building -> validating -> finished|error
//	queued|building|validating -> canceled
//
// The project's build_job_id is the only coordination token. Every transition a job makes is a
// compare-and-set on (status, job id), so a job that has been canceled or superseded cannot
// change the project any more.
type Builder struct {
	db        *DB
	queue     JobQueue
	validator Validator
}

func NewBuilder(db *DB, queue JobQueue, validator Validator) *Builder {
	return &Builder{db: db, queue: queue, validator: validator}
}

// BuildState is a project's build status as reported to callers.
type BuildState struct {
	ProjectID  int64             `json:"project_id"`
	Status     BuildStatus       `json:"status"`
	JobID      string            `json:"job_id,omitempty"`
	JobState   jobs.State        `json:"job_state,omitempty"`
	Accepted   bool              `json:"accepted"`
	ZipBuiltAt *time.Time        `json:"zip_built_at,omitempty"`
	Validation *ValidationReport `json:"validation,omitempty"`
}

func (b *Builder) stateOf(project *Project, accepted bool) *BuildState {
	state := &BuildState{
		ProjectID:  project.ID,
		Status:     project.BuildStatus,
		JobID:      project.BuildJobID,
		Accepted:   accepted,
		ZipBuiltAt: project.ZipBuiltAt,
		Validation: project.Validation,
	}
	if project.BuildJobID != "" {
		state.JobState = b.queue.Status(project.BuildJobID)
	}
	return state
}

// RequestBuild queues a build of the project. While a live job already owns the project it
// returns the current state with Accepted false instead of starting another. A running status
// whose job is no longer alive is treated as abandoned and replaced.
func (b *Builder) RequestBuild(ctx context.Context, projectID int64) (*BuildState, error) {
	conn, err := b.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer b.db.Put(conn)
	return b.requestBuildIn(conn, projectID)
}

func (b *Builder) requestBuildIn(conn *sqlite.Conn, projectID int64) (state *BuildState, err error) {
	defer sqlitex.Save(conn)(&err)

	// Lock before reading so the check and the update below see the same state.
	err = sqlitex.Exec(conn, "UPDATE projects SET build_status = build_status WHERE id = ?", sqlitexNoop, projectID)
	if err != nil {
		return nil, err
	}
	project, err := GetProject(conn, projectID)
	if err != nil {
		return nil, err
	}
	if project.BuildStatus.Running() {
		if project.BuildJobID != "" && b.queue.IsAlive(project.BuildJobID) {
			return b.stateOf(project, false), nil
		}
		slog.Warn(fmt.Sprintf("Build job %q is no longer alive, starting a new one", project.BuildJobID),
			"project", projectID)
	}

	// Taking the write lock before enqueueing keeps the new job from running until its id is recorded.
	if err := sqlitex.Exec(conn, "UPDATE projects SET build_status = ?, build_job_id = NULL WHERE id = ?",
		sqlitexNoop, string(BuildQueued), projectID); err != nil {
		return nil, err
	}
	jobID, err := b.queue.Enqueue(func(ctx context.Context, jobID string) error {
		return b.run(ctx, projectID, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue build: %w", err)
	}
	if err := sqlitex.Exec(conn, "UPDATE projects SET build_job_id = ? WHERE id = ?", sqlitexNoop, jobID, projectID); err != nil {
		b.queue.Cancel(jobID)
		return nil, err
	}

	slog.Info(fmt.Sprintf("Queued build job %s", jobID), "project", projectID)
	project.BuildStatus = BuildQueued
	project.BuildJobID = jobID
	return b.stateOf(project, true), nil
}

// RequestCancel cancels the project's running build. It is a *StateError to cancel a project
// that is not queued, building or validating.
func (b *Builder) RequestCancel(ctx context.Context, projectID int64) (*BuildState, error) {
	conn, err := b.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer b.db.Put(conn)

	project, err := GetProject(conn, projectID)
	if err != nil {
		return nil, err
	}
	if !project.BuildStatus.Running() {
		return nil, &StateError{ProjectID: projectID, Status: project.BuildStatus, Op: "cancel build of"}
	}

	err = sqlitex.Exec(conn, `UPDATE projects SET build_status = ? WHERE id = ? AND build_job_id IS ? AND build_status = ?`,
		sqlitexNoop, string(BuildCanceled), projectID, nullIfEmpty(project.BuildJobID), string(project.BuildStatus))
	if err != nil {
		return nil, err
	}
	if conn.Changes() == 0 {
		// The job moved on between the read and the update.
		current, err := GetProject(conn, projectID)
		if err != nil {
			return nil, err
		}
		if current.BuildStatus.Running() {
			return b.RequestCancel(ctx, projectID)
		}
		return nil, &StateError{ProjectID: projectID, Status: current.BuildStatus, Op: "cancel build of"}
	}

	if project.BuildJobID != "" {
		b.queue.Cancel(project.BuildJobID)
	}
	slog.Info(fmt.Sprintf("Canceled build job %s", project.BuildJobID), "project", projectID)
	project.BuildStatus = BuildCanceled
	return b.stateOf(project, false), nil
}

// Status reports the project's build state.
func (b *Builder) Status(ctx context.Context, projectID int64) (*BuildState, error) {
	conn, err := b.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer b.db.Put(conn)

	project, err := GetProject(conn, projectID)
	if err != nil {
		return nil, err
	}
	return b.stateOf(project, false), nil
}

func (b *Builder) run(ctx context.Context, projectID int64, jobID string) error {
	conn, err := b.db.Get(ctx)
	if err != nil {
		return err
	}
	defer b.db.Put(conn)

	if ok, err := b.transition(conn, projectID, jobID, BuildQueued, BuildBuilding, nil); err != nil || !ok {
		return err
	}
	slog.Info(fmt.Sprintf("Building job %s", jobID), "project", projectID)

	assembled, err := Assemble(conn, projectID)
	if err != nil {
		return b.fail(ctx, conn, projectID, jobID, BuildBuilding, fmt.Errorf("assemble: %w", err))
	}
	issues, err := Lint(conn, projectID)
	if err != nil {
		return b.fail(ctx, conn, projectID, jobID, BuildBuilding, fmt.Errorf("lint: %w", err))
	}
	issues = append(assembled.Warnings, issues...)

	ok, err := b.transition(conn, projectID, jobID, BuildBuilding, BuildValidating, map[string]any{
		"gtfs_zip":          assembled.Zip,
		"gtfs_zip_built_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil || !ok {
		return err
	}

	report, err := b.validator.Validate(ctx, assembled.Zip)
	if err != nil {
		return b.fail(ctx, conn, projectID, jobID, BuildValidating, fmt.Errorf("validate: %w", err))
	}

	message := report.Message
	if len(issues) > 0 {
		message += "\n" + strings.Join(issues, "\n")
	}
	ok, err = b.transition(conn, projectID, jobID, BuildValidating, BuildFinished, map[string]any{
		"validation_message":     message,
		"validation_errors":      report.Errors,
		"validation_warnings":    report.Warnings + len(issues),
		"validation_infos":       report.Infos,
		"validation_duration_ms": report.Duration.Milliseconds(),
	})
	if err != nil || !ok {
		return err
	}
	slog.Info(fmt.Sprintf("Finished build job %s: %s", jobID, report.Message), "project", projectID)
	return nil
}

// fail records err as the build's outcome unless the job was canceled meanwhile.
func (b *Builder) fail(ctx context.Context, conn *sqlite.Conn, projectID int64, jobID string, from BuildStatus, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Error(fmt.Sprintf("Build job %s failed: %v", jobID, err), "project", projectID)
	_, updateErr := b.transition(conn, projectID, jobID, from, BuildError, map[string]any{
		"validation_message":     err.Error(),
		"validation_errors":      nil,
		"validation_warnings":    nil,
		"validation_infos":       nil,
		"validation_duration_ms": nil,
	})
	return errors.Join(err, updateErr)
}

// transition moves the project from one status to the next, setting the extra columns, only if
// jobID still owns the project and its status is from. It reports whether the move happened.
func (b *Builder) transition(conn *sqlite.Conn, projectID int64, jobID string, from, to BuildStatus, set map[string]any) (bool, error) {
	sets := []string{"build_status = ?"}
	args := []any{string(to)}
	for _, col := range slices.Sorted(maps.Keys(set)) {
		sets = append(sets, col+" = ?")
		args = append(args, set[col])
	}
	args = append(args, projectID, jobID, string(from))

	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = ? AND build_job_id = ? AND build_status = ?", strings.Join(sets, ", "))
	if err := sqlitex.Exec(conn, query, sqlitexNoop, args...); err != nil {
		return false, fmt.Errorf("build %s -> %s: %w", from, to, err)
	}
	if conn.Changes() == 0 {
		slog.Info(fmt.Sprintf("Build job %s no longer owns the project, dropping %s -> %s", jobID, from, to),
			"project", projectID)
		return false, nil
	}
	return true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
