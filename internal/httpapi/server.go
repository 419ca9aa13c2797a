// Package httpapi exposes the pipeline's admin and inspection surface over
// HTTP. All file paths cross this boundary validated: handlers reject
// anything unclean before it can reach the pipeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/digest"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
)

// Enqueuer is the slice of the task queue the API needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, input any, opts ...queue.EnqueueOption) (string, error)
}

// EngineClearer wipes one search engine and resets its sync statuses.
type EngineClearer interface {
	ClearEngine(ctx context.Context, engine db.Engine) error
}

// Server is the HTTP API. SearchDigesters maps search digester names to the
// engine they feed, so the administrative reset of one of them also clears
// the engine's data.
type Server struct {
	store           *db.Store
	coordinator     *digest.Coordinator
	tasks           Enqueuer
	engines         EngineClearer
	searchDigesters map[string]db.Engine
}

// NewServer wires the API over its collaborators.
func NewServer(store *db.Store, coordinator *digest.Coordinator, tasks Enqueuer, engines EngineClearer, searchDigesters map[string]db.Engine) *Server {
	return &Server{
		store:           store,
		coordinator:     coordinator,
		tasks:           tasks,
		engines:         engines,
		searchDigesters: searchDigesters,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/digest/status", s.handleDigestStatus)
		r.Post("/digest/process", s.handleDigestProcess)
		r.Delete("/digest/reset/{digester}", s.handleDigestReset)
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{id}", s.handleGetTask)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// digestStatusResponse summarizes every digester's state for one file.
type digestStatusResponse struct {
	Path    string             `json:"path"`
	Digests []digestStatusItem `json:"digests"`
}

type digestStatusItem struct {
	Digester  string  `json:"digester"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
	Attempts  int     `json:"attempts"`
	UpdatedAt string  `json:"updatedAt"`
}

func (s *Server) handleDigestStatus(w http.ResponseWriter, r *http.Request) {
	path, err := CleanStoragePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}

	file, err := s.store.GetFile(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		writeError(w, pipeerrors.UnknownFile(path))
		return
	}

	digests, err := s.store.GetDigests(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := digestStatusResponse{Path: path, Digests: make([]digestStatusItem, 0, len(digests))}
	for _, d := range digests {
		resp.Digests = append(resp.Digests, digestStatusItem{
			Digester:  d.Digester,
			Status:    string(d.Status),
			Error:     d.Error,
			Attempts:  d.Attempts,
			UpdatedAt: d.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type processRequest struct {
	Path     string `json:"path"`
	Digester string `json:"digester,omitempty"`
	Reset    bool   `json:"reset,omitempty"`
}

func (s *Server) handleDigestProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeerrors.ValidationError("malformed request body"))
		return
	}
	path, err := CleanStoragePath(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	file, err := s.store.GetFile(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		writeError(w, pipeerrors.UnknownFile(path))
		return
	}
	if req.Digester != "" && !s.coordinator.KnownDigester(req.Digester) {
		writeError(w, pipeerrors.ValidationError(fmt.Sprintf("unknown digester %q", req.Digester)))
		return
	}

	if req.Reset {
		if req.Digester != "" {
			err = s.store.ResetDigestToTodo(r.Context(), path, req.Digester)
		} else {
			err = s.store.ResetDigestsForFile(r.Context(), path, "")
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}

	taskID, err := s.tasks.Enqueue(r.Context(), digest.TaskTypeProcess,
		digest.ProcessInput{FilePath: path, Digester: req.Digester},
		queue.WithFilePath(path))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) handleDigestReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "digester")

	// Search digesters mirror into an engine; its data goes first so the
	// re-run starts from an empty index.
	if engine, ok := s.searchDigesters[name]; ok {
		if err := s.engines.ClearEngine(r.Context(), engine); err != nil {
			writeError(w, err)
			return
		}
	}

	n, err := s.coordinator.ResetDigester(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"digester": name, "files": n})
}

// taskResponse is the wire shape of a task row.
type taskResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      *string         `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	CompletedAt *string         `json:"completedAt,omitempty"`
}

func toTaskResponse(t *db.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID,
		Type:      t.Type,
		Status:    string(t.Status),
		Attempts:  t.Attempts,
		Input:     t.Input,
		Output:    t.Output,
		Error:     t.Error,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		done := t.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &done
	}
	return resp
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeError(w, pipeerrors.New(pipeerrors.ErrCodeUnknownTask, "unknown task "+id, nil))
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := db.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.store.ListRecentTasks(r.Context(), status, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

type createTaskRequest struct {
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeerrors.ValidationError("malformed request body"))
		return
	}
	if req.Type == "" {
		writeError(w, pipeerrors.ValidationError("type is required"))
		return
	}

	id, err := s.tasks.Enqueue(r.Context(), req.Type, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError maps a pipeline error onto an HTTP status by code, falling
// back to the category for codes without a dedicated mapping.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := pipeerrors.ErrCodeInternal
	msg := err.Error()

	var pe *pipeerrors.PipelineError
	if errors.As(err, &pe) {
		code = pe.Code
		msg = pe.Message
		switch pe.Code {
		case pipeerrors.ErrCodeUnknownFile, pipeerrors.ErrCodeUnknownTask:
			status = http.StatusNotFound
		case pipeerrors.ErrCodeInvalidPath, pipeerrors.ErrCodeInvalidInput:
			status = http.StatusBadRequest
		default:
			if pe.Category == pipeerrors.CategoryValidation {
				status = http.StatusBadRequest
			}
		}
	}

	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
