// Package httpapi implements C8, the HTTP Surface: admission, status,
// file download, and bulk-zip endpoints. Grounded on the teacher's
// internal/api/server.go chi.Mux construction and route table style
// (minus the loopback/token auth chain, which has no analogue — this
// surface carries no auth per spec.md §1 Non-goals), with the handler
// bodies translated from original_source/service/app/routes/tasks.py.
package httpapi

import (
	"archive/zip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/apperr"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/idgen"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/metrics"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

// uploadChunkSize mirrors original_source's CHUNK_SIZE (1 MiB streamed
// reads during admission).
const uploadChunkSize = 1024 * 1024

// unsafeFilenameChar matches every character outside [A-Za-z0-9_.\-\s],
// replaced with '_' during sanitization (spec.md §6 admission rules).
var unsafeFilenameChar = regexp.MustCompile(`[^A-Za-z0-9_.\-\s]`)

// Store is the narrow slice of store.Store the HTTP surface needs.
type Store interface {
	Create(t *task.Task) error
	Get(id string) (*task.Task, error)
}

// Queue is the narrow slice of queue.JobQueue the HTTP surface needs.
type Queue interface {
	Enqueue(id string)
}

// Config holds the admission-path tuning knobs from spec.md §6.
type Config struct {
	DataDir        string
	MaxUploadSize  int64
	RetentionHours int
}

// Server builds and serves the chi router for C8.
type Server struct {
	store  Store
	queue  Queue
	cfg    Config
	log    *slog.Logger
	router *chi.Mux
}

func New(store Store, queue Queue, cfg Config, log *slog.Logger) *Server {
	s := &Server{store: store, queue: queue, cfg: cfg, log: log, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", metrics.Handler().ServeHTTP)
	s.router.Post("/tasks", s.handleCreateTask)
	s.router.Get("/tasks/{id}", s.handleGetTask)
	s.router.Get("/tasks/{id}/files/*", s.handleDownloadFile)
	s.router.Get("/tasks/{id}/download.zip", s.handleDownloadZip)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleCreateTask admits a new conversion job: validates the webhook
// URL, streams the multipart file to disk under a size ceiling, inserts
// the queued row, and enqueues the task ID. Grounded on tasks.py's
// create_conversion_task.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	describeImages := r.URL.Query().Get("describe_images") == "true"

	webhookURL := r.FormValue("webhook_url")
	if webhookURL != "" && !validWebhookURL(webhookURL) {
		writeError(w, apperr.Validation("Invalid webhook URL. Must be a valid http/https URL."))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.MissingFile())
		return
	}
	defer file.Close()

	taskID := idgen.NewTaskID()
	inputDir := filepath.Join(s.cfg.DataDir, "tasks", taskID, "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		s.log.Error("create input dir", "task_id", taskID, "error", err)
		writeError(w, apperr.Internal("create task directory", err))
		return
	}

	safeFilename := sanitizeFilename(header.Filename)
	inputPath := filepath.Join(inputDir, safeFilename)

	size, err := streamToDisk(file, inputPath, s.cfg.MaxUploadSize)
	if err != nil {
		if szErr, ok := err.(*apperr.SizeExceededError); ok {
			writeError(w, szErr)
			return
		}
		s.log.Error("save upload", "task_id", taskID, "error", err)
		writeError(w, apperr.Internal("save uploaded file", err))
		return
	}

	now := time.Now().UTC()
	retention := time.Duration(s.cfg.RetentionHours) * time.Hour
	t := &task.Task{
		TaskID:           taskID,
		Status:           task.StatusQueued,
		OriginalFilename: safeFilename,
		ContentType:      header.Header.Get("Content-Type"),
		SizeBytes:        size,
		DescribeImages:   describeImages,
		WebhookURL:       webhookURL,
		CreatedAt:        now,
		ExpiresAt:        now.Add(retention),
	}

	if err := s.store.Create(t); err != nil {
		s.log.Error("create task row", "task_id", taskID, "error", err)
		writeError(w, apperr.Internal("create task", err))
		return
	}

	s.queue.Enqueue(taskID)
	metrics.TasksAdmitted.Inc()
	s.log.Info("admitted task", "task_id", taskID, "filename", safeFilename, "size_bytes", size)

	writeJSON(w, http.StatusAccepted, task.CreateResponse{TaskID: taskID, Status: task.StatusQueued})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.ToStatusResponse())
}

// handleDownloadFile serves one output file, enforcing the containment
// policy of spec.md §6 and property P5.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rawPath := chi.URLParam(r, "*")

	if _, err := s.resolveDownloadableTask(id); err != nil {
		writeError(w, err)
		return
	}

	taskDir := filepath.Join(s.cfg.DataDir, "tasks", id)
	resolved, err := resolveContained(taskDir, rawPath)
	if err != nil {
		writeError(w, apperr.Validation("invalid file path"))
		return
	}

	if _, err := os.Stat(resolved); err != nil {
		writeError(w, &apperr.NotFoundError{TaskID: id})
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, resolved)
}

// handleDownloadZip bundles every output_files entry into an in-memory
// zip, grounded on tasks.py's download_task_zip.
func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.resolveDownloadableTask(id)
	if err != nil {
		writeError(w, err)
		return
	}

	taskDir := filepath.Join(s.cfg.DataDir, "tasks", id)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)

	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, rel := range t.OutputFiles() {
		abs := filepath.Join(taskDir, rel)
		if err := addFileToZip(zw, abs, rel); err != nil {
			s.log.Warn("skip file in zip bundle", "task_id", id, "file", rel, "error", err)
		}
	}
}

// resolveDownloadableTask enforces the shared 404/410/400 precondition
// sequence used by both download endpoints.
func (s *Server) resolveDownloadableTask(id string) (*task.Task, error) {
	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusExpired {
		return nil, &apperr.GoneError{TaskID: id}
	}
	if t.Status != task.StatusCompleted {
		return nil, &apperr.PreconditionFailedError{TaskID: id, CurrentStatus: string(t.Status)}
	}
	return t, nil
}

func addFileToZip(zw *zip.Writer, absPath, relPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(relPath)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// resolveContained rejects any rawPath containing ".." segments or an
// absolute component, then verifies the resolved absolute path is
// actually under taskDir (spec.md's path-traversal policy).
func resolveContained(taskDir, rawPath string) (string, error) {
	if rawPath == "" || filepath.IsAbs(rawPath) {
		return "", os.ErrInvalid
	}
	for _, part := range strings.Split(rawPath, "/") {
		if part == ".." {
			return "", os.ErrInvalid
		}
	}

	candidate := filepath.Join(taskDir, rawPath)
	resolvedTaskDir, err := filepath.Abs(taskDir)
	if err != nil {
		return "", err
	}
	resolvedCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	if resolvedCandidate != resolvedTaskDir && !strings.HasPrefix(resolvedCandidate, resolvedTaskDir+string(filepath.Separator)) {
		return "", os.ErrInvalid
	}
	return resolvedCandidate, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload"
	}
	safe := unsafeFilenameChar.ReplaceAllString(base, "_")

	if len(safe) > task.FilenameLimit {
		ext := filepath.Ext(safe)
		stem := strings.TrimSuffix(safe, ext)
		keep := task.FilenameLimit - len(ext)
		if keep < 0 {
			keep = 0
		}
		if keep > len(stem) {
			keep = len(stem)
		}
		safe = stem[:keep] + ext
	}
	if safe == "" {
		safe = "upload"
	}
	return safe
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// streamToDisk copies src to dstPath in uploadChunkSize chunks, rejecting
// the moment cumulative bytes exceed limit and deleting the partial file
// (spec.md §6 admission rules, property P6).
func streamToDisk(src io.Reader, dstPath string, limit int64) (int64, error) {
	f, err := os.Create(dstPath)
	if err != nil {
		return 0, err
	}

	var total int64
	buf := make([]byte, uploadChunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > limit {
				f.Close()
				os.Remove(dstPath)
				return 0, &apperr.SizeExceededError{LimitBytes: limit}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(dstPath)
				return 0, werr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(dstPath)
			return 0, readErr
		}
	}

	if err := f.Close(); err != nil {
		return 0, err
	}
	return total, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Detail string `json:"detail"`
}

// writeError maps the apperr taxonomy to HTTP status codes per spec.md §7.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := err.Error()

	switch e := err.(type) {
	case *apperr.ValidationError:
		status = http.StatusBadRequest
		detail = e.Message
	case *apperr.MissingFileError:
		status = http.StatusUnprocessableEntity
		detail = e.Error()
	case *apperr.SizeExceededError:
		status = http.StatusRequestEntityTooLarge
		detail = e.Error()
	case *apperr.NotFoundError:
		status = http.StatusNotFound
		detail = "Task not found"
	case *apperr.GoneError:
		status = http.StatusGone
		detail = "Task outputs have expired"
	case *apperr.PreconditionFailedError:
		status = http.StatusBadRequest
		detail = e.Error()
	case *apperr.InternalError:
		status = http.StatusInternalServerError
		detail = "internal error"
	}

	writeJSON(w, status, errorBody{Detail: detail})
}
