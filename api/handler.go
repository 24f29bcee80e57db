// Package api exposes projects, their GTFS files and their builds over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"crawshaw.io/sqlite"
	"github.com/dzfranklin/gtfseditor"
	"github.com/gorilla/mux"
)

// maxUpload bounds whole-feed and single-file uploads.
const maxUpload = 512 << 20

// Handler handles HTTP requests
type Handler struct {
	db      *gtfseditor.DB
	builder *gtfseditor.Builder
}

// NewHandler creates a new HTTP handler
func NewHandler(db *gtfseditor.DB, builder *gtfseditor.Builder) *Handler {
	return &Handler{db: db, builder: builder}
}

// RegisterRoutes registers all routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/projects", h.handleListProjects).Methods("GET")
	r.HandleFunc("/projects", h.handleCreateProject).Methods("POST")
	r.HandleFunc("/projects/{project}", h.handleGetProject).Methods("GET")
	r.HandleFunc("/projects/{project}", h.handleUpdateProject).Methods("PATCH")
	r.HandleFunc("/projects/{project}", h.handleDeleteProject).Methods("DELETE")

	r.HandleFunc("/projects/{project}/gtfs.zip", h.handleDownloadFeed).Methods("GET")
	r.HandleFunc("/projects/{project}/gtfs.zip", h.handleUploadFeed).Methods("PUT")
	r.HandleFunc("/projects/{project}/files/{file}", h.handleDownloadFile).Methods("GET")
	r.HandleFunc("/projects/{project}/files/{file}", h.handleUploadFile).Methods("PUT")

	r.HandleFunc("/projects/{project}/entities/{file}", h.handleListEntities).Methods("GET")
	r.HandleFunc("/projects/{project}/entities/{file}", h.handleUpsertEntities).Methods("POST")
	r.HandleFunc("/projects/{project}/entities/{file}", h.handleDeleteEntity).Methods("DELETE")

	r.HandleFunc("/projects/{project}/build", h.handleBuildStatus).Methods("GET")
	r.HandleFunc("/projects/{project}/build", h.handleRequestBuild).Methods("POST")
	r.HandleFunc("/projects/{project}/build", h.handleCancelBuild).Methods("DELETE")
	r.HandleFunc("/projects/{project}/build/gtfs.zip", h.handleDownloadBuild).Methods("GET")
}

// Response wraps API responses
type Response struct {
	Data any `json:"data"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error  string                 `json:"error"`
	File   string                 `json:"file,omitempty"`
	Rows   []*gtfseditor.RowError `json:"rows,omitempty"`
	Status gtfseditor.BuildStatus `json:"status,omitempty"`
}

type projectRequest struct {
	Owner    string          `json:"owner"`
	Name     string          `json:"name"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	var projects []*gtfseditor.Project
	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		var err error
		projects, err = gtfseditor.ListProjects(conn, r.URL.Query().Get("owner"))
		return err
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if projects == nil {
		projects = []*gtfseditor.Project{}
	}
	h.writeJSON(w, http.StatusOK, Response{Data: projects})
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	var project *gtfseditor.Project
	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		var err error
		project, err = gtfseditor.CreateProject(conn, req.Owner, req.Name, string(req.Envelope))
		return err
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, Response{Data: project})
}

func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	h.withProject(w, r, func(ctx context.Context, conn *sqlite.Conn, projectID int64) (any, error) {
		return gtfseditor.GetProject(conn, projectID)
	})
}

func (h *Handler) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	h.withProject(w, r, func(ctx context.Context, conn *sqlite.Conn, projectID int64) (any, error) {
		return gtfseditor.UpdateProject(conn, projectID, req.Name, string(req.Envelope))
	})
}

func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		return gtfseditor.DeleteProject(conn, projectID)
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDownloadFeed(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	var res *gtfseditor.AssembleResult
	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		var err error
		res, err = gtfseditor.Assemble(conn, projectID)
		return err
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	for _, warning := range res.Warnings {
		w.Header().Add("X-GTFS-Warning", warning)
	}
	h.writeFile(w, "application/zip", fmt.Sprintf("project-%d.zip", projectID), res.Zip)
}

func (h *Handler) handleUploadFeed(w http.ResponseWriter, r *http.Request) {
	data, err := readUpload(w, r)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.withProject(w, r, func(ctx context.Context, conn *sqlite.Conn, projectID int64) (any, error) {
		return gtfseditor.ImportFeed(conn, projectID, data)
	})
}

func (h *Handler) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		return gtfseditor.ExportFile(conn, projectID, kind, &buf)
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeFile(w, "text/csv; charset=utf-8", kind.FileName(), buf.Bytes())
}

func (h *Handler) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	data, err := readUpload(w, r)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.withProject(w, r, func(ctx context.Context, conn *sqlite.Conn, projectID int64) (any, error) {
		return gtfseditor.ImportFile(conn, projectID, kind, bytes.NewReader(data))
	})
}

func (h *Handler) handleListEntities(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	h.withProject(w, r, func(ctx context.Context, conn *sqlite.Conn, projectID int64) (any, error) {
		rows, err := gtfseditor.ListRows(conn, projectID, kind)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]string, len(rows))
		for i, row := range rows {
			out[i] = row.Map()
		}
		return out, nil
	})
}

// handleUpsertEntities takes a JSON array of objects keyed by GTFS column. Unlike a file upload,
// rows not in the request are left alone.
func (h *Handler) handleUpsertEntities(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var objects []map[string]any
	if err := dec.Decode(&objects); err != nil {
		h.writeError(w, "Body must be a JSON array of objects", http.StatusBadRequest)
		return
	}
	rows, err := decodeRows(kind, objects)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.withProject(w, r, func(ctx context.Context, conn *sqlite.Conn, projectID int64) (any, error) {
		return gtfseditor.Upsert(conn, projectID, kind, rows)
	})
}

// handleDeleteEntity deletes the row whose natural key is given by one query parameter per key
// column, e.g. ?trip_id=t1&stop_id=s1&stop_sequence=1.
func (h *Handler) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	var key []string
	for _, col := range kind.KeyColumns() {
		if !query.Has(col) {
			h.writeError(w, fmt.Sprintf("Missing %s parameter", col), http.StatusBadRequest)
			return
		}
		key = append(key, query.Get(col))
	}

	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		return gtfseditor.DeleteRow(conn, projectID, kind, key)
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	h.withBuilder(w, r, h.builder.Status)
}

func (h *Handler) handleRequestBuild(w http.ResponseWriter, r *http.Request) {
	h.withBuilder(w, r, h.builder.RequestBuild)
}

func (h *Handler) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	h.withBuilder(w, r, h.builder.RequestCancel)
}

func (h *Handler) handleDownloadBuild(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	var data []byte
	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		var err error
		data, err = gtfseditor.BuiltZip(conn, projectID)
		return err
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeFile(w, "application/zip", fmt.Sprintf("project-%d-build.zip", projectID), data)
}

func (h *Handler) withProject(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, conn *sqlite.Conn, projectID int64) (any, error)) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	var data any
	err := h.db.With(r.Context(), func(conn *sqlite.Conn) error {
		var err error
		data, err = fn(r.Context(), conn, projectID)
		return err
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Data: data})
}

func (h *Handler) withBuilder(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, projectID int64) (*gtfseditor.BuildState, error)) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}
	state, err := fn(r.Context(), projectID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	status := http.StatusOK
	if state.Accepted {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, Response{Data: state})
}

func (h *Handler) projectID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["project"], 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, "Invalid project id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) kind(w http.ResponseWriter, r *http.Request) (gtfseditor.Kind, bool) {
	name := mux.Vars(r)["file"]
	kind, ok := gtfseditor.KindByName(name)
	if !ok {
		h.writeError(w, fmt.Sprintf("Unknown GTFS file %s", name), http.StatusNotFound)
		return 0, false
	}
	return kind, true
}

// readUpload returns the uploaded file: the "file" part of a multipart form, or else the raw body.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, maxUpload)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, uploadErr(err)
		}
		return data, nil
	}

	r.Body = body
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: multipart upload needs a file part: %v", gtfseditor.ErrFormat, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, uploadErr(err)
	}
	return data, nil
}

func uploadErr(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return fmt.Errorf("%w: read upload: %v", gtfseditor.ErrFormat, err)
}

// decodeRows converts JSON objects to rows, collecting every row error. Line numbers count
// objects from 1.
func decodeRows(kind gtfseditor.Kind, objects []map[string]any) ([]*gtfseditor.Row, error) {
	var rows []*gtfseditor.Row
	var rowErrs []*gtfseditor.RowError
	raw := make(map[string]string)
	for i, obj := range objects {
		clear(raw)
		for col, v := range obj {
			switch v := v.(type) {
			case nil:
			case string:
				raw[col] = v
			case json.Number:
				raw[col] = v.String()
			case bool:
				raw[col] = gtfseditor.FormatBool(v)
			default:
				rowErrs = append(rowErrs, &gtfseditor.RowError{File: kind.FileName(), Line: i + 1, Column: col,
					Message: "value must be a string, number or boolean"})
			}
		}
		row, err := gtfseditor.Deserialize(kind, raw)
		if err != nil {
			var rowErr *gtfseditor.RowError
			if !errors.As(err, &rowErr) {
				return nil, err
			}
			rowErr.File, rowErr.Line = kind.FileName(), i+1
			rowErrs = append(rowErrs, rowErr)
			continue
		}
		row.Line = i + 1
		rows = append(rows, row)
	}
	if len(rowErrs) > 0 {
		return nil, &gtfseditor.FeedError{File: kind.FileName(), Rows: rowErrs, Err: gtfseditor.ErrInvalidInput}
	}
	return rows, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, gtfseditor.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, gtfseditor.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gtfseditor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gtfseditor.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	resp := ErrorResponse{Error: err.Error()}
	var feedErr *gtfseditor.FeedError
	if errors.As(err, &feedErr) {
		resp.File = feedErr.File
		resp.Rows = feedErr.Rows
	}
	var stateErr *gtfseditor.StateError
	if errors.As(err, &stateErr) {
		resp.Status = stateErr.Status
	}
	if status == http.StatusInternalServerError {
		slog.Error(fmt.Sprintf("Request failed: %v", err))
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error(fmt.Sprintf("Failed to encode response: %v", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, ErrorResponse{Error: message})
}

func (h *Handler) writeFile(w http.ResponseWriter, contentType, name string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
