// Package fsapi implements the per-client file storage endpoint described in
// spec §6: GET/PUT/DELETE under /fs/{name}/*, authorized by the x-fs-key
// header against the Registry rather than any session of its own. Routing
// follows bobbydeveaux-starbucks-mugs/internal/server/rest's chi style.
package fsapi

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxl55/ert-concierge/internal/metrics"
	"github.com/jxl55/ert-concierge/internal/registry"
)

// Handler serves the file endpoint against a shared file tree rooted at
// Root, one subdirectory per registered client name.
type Handler struct {
	root       string
	maxPutSize int64
	reg        *registry.Registry
	logger     *zap.Logger
	metrics    *metrics.Registry
}

func New(root string, maxPutSize int64, reg *registry.Registry, logger *zap.Logger, m *metrics.Registry) *Handler {
	return &Handler{root: root, maxPutSize: maxPutSize, reg: reg, logger: logger, metrics: m}
}

// Router builds the chi.Router serving this Handler's routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "DELETE"},
		AllowedHeaders: []string{"x-fs-key", "Content-Type"},
	}))

	r.Route("/fs/{name}", func(r chi.Router) {
		r.Get("/*", h.handleGet)
		r.Put("/*", h.handlePut)
		r.Delete("/*", h.handleDelete)
	})
	return r
}

// fsError is one of the outcomes named in spec §6's error table; it maps
// directly to an HTTP status in writeError.
type fsError struct {
	status int
	code   string
}

var (
	errBadAuthorization = fsError{http.StatusUnauthorized, "BAD_AUTHORIZATION"}
	errForbidden        = fsError{http.StatusForbidden, "FORBIDDEN"}
	errFileNotFound     = fsError{http.StatusNotFound, "FILE_NOT_FOUND"}
	errNotAFile         = fsError{http.StatusBadRequest, "NOT_A_FILE"}
	errEncoding         = fsError{http.StatusBadRequest, "ENCODING"}
	errIOError          = fsError{http.StatusInternalServerError, "IO_ERROR"}
)

// authorize parses x-fs-key and resolves it against the Registry, returning
// the caller's display name. Every route requires this much regardless of
// method; PUT/DELETE additionally require the resolved name to match the
// {name} path segment (ownership), checked by the caller.
func (h *Handler) authorize(r *http.Request) (string, fsError, bool) {
	key := r.Header.Get("x-fs-key")
	id, err := uuid.Parse(key)
	if err != nil {
		return "", errBadAuthorization, false
	}
	name, err := h.reg.ResolveUUID(id)
	if err != nil {
		return "", errBadAuthorization, false
	}
	return name, fsError{}, true
}

// resolvePath joins name and the wildcard tail under root, rejecting any
// path that would escape the client's own subtree.
func (h *Handler) resolvePath(name, tail string) (string, error) {
	base := filepath.Join(h.root, name)
	full := filepath.Join(base, tail)
	rel, err := filepath.Rel(base, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.New("fsapi: path escapes client root")
	}
	return full, nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tail := chi.URLParam(r, "*")

	if _, fsErr, ok := h.authorize(r); !ok {
		h.record("GET", "bad_auth")
		writeError(w, fsErr)
		return
	}

	full, err := h.resolvePath(name, tail)
	if err != nil {
		h.record("GET", "encoding")
		writeError(w, errEncoding)
		return
	}

	info, err := os.Stat(full)
	if err != nil {
		h.record("GET", "not_found")
		writeError(w, errFileNotFound)
		return
	}
	if !info.Mode().IsRegular() {
		h.record("GET", "not_a_file")
		writeError(w, errNotAFile)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		h.record("GET", "io_error")
		writeError(w, errIOError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(full)+`"`)
	w.WriteHeader(http.StatusAccepted)
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Debug("fs GET copy failed", zap.Error(err))
	}
	h.record("GET", "ok")
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tail := chi.URLParam(r, "*")

	owner, fsErr, ok := h.authorize(r)
	if !ok {
		h.record("PUT", "bad_auth")
		writeError(w, fsErr)
		return
	}
	if owner != name {
		h.record("PUT", "forbidden")
		writeError(w, errForbidden)
		return
	}

	full, err := h.resolvePath(name, tail)
	if err != nil {
		h.record("PUT", "encoding")
		writeError(w, errEncoding)
		return
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		h.record("PUT", "io_error")
		writeError(w, errIOError)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPutSize)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		h.putMultipart(w, r, full)
		return
	}

	dst, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		h.record("PUT", "io_error")
		writeError(w, errFileNotFound)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r.Body); err != nil {
		h.record("PUT", "io_error")
		writeError(w, errIOError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	h.record("PUT", "ok")
}

// putMultipart writes each part of a multipart/form-data body, using the
// part's own filename when present and falling back to the route's tail
// otherwise, matching the original upload-multipart handler's behavior.
func (h *Handler) putMultipart(w http.ResponseWriter, r *http.Request, fallback string) {
	mr, err := r.MultipartReader()
	if err != nil {
		h.record("PUT", "encoding")
		writeError(w, errEncoding)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.record("PUT", "io_error")
			writeError(w, errIOError)
			return
		}

		dest := fallback
		if fn := part.FileName(); fn != "" {
			dest = filepath.Join(filepath.Dir(fallback), fn)
		}

		dst, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			part.Close()
			h.record("PUT", "io_error")
			writeError(w, errFileNotFound)
			return
		}
		_, copyErr := io.Copy(dst, part)
		dst.Close()
		part.Close()
		if copyErr != nil {
			h.record("PUT", "io_error")
			writeError(w, errIOError)
			return
		}
	}

	w.WriteHeader(http.StatusCreated)
	h.record("PUT", "ok")
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tail := chi.URLParam(r, "*")

	owner, fsErr, ok := h.authorize(r)
	if !ok {
		h.record("DELETE", "bad_auth")
		writeError(w, fsErr)
		return
	}
	if owner != name {
		h.record("DELETE", "forbidden")
		writeError(w, errForbidden)
		return
	}

	full, err := h.resolvePath(name, tail)
	if err != nil {
		h.record("DELETE", "encoding")
		writeError(w, errEncoding)
		return
	}

	if err := os.Remove(full); err != nil {
		h.record("DELETE", "not_found")
		writeError(w, errFileNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.record("DELETE", "ok")
}

func (h *Handler) record(method, outcome string) {
	if h.metrics != nil {
		h.metrics.FsRequests.WithLabelValues(method, outcome).Inc()
	}
}

func writeError(w http.ResponseWriter, e fsError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	_, _ = w.Write([]byte(`{"code":"` + e.code + `"}`))
}
