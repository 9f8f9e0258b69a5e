package notesfixture

import (
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kuitang/pagecheck/internal/obs"
)

//go:embed static/index.html
var staticFS embed.FS

// Options tune the fixture server.
type Options struct {
	// Latency delays every API response, which keeps the loading state on
	// screen long enough to observe.
	Latency time.Duration
}

// Handler serves the notes page and its API.
type Handler struct {
	store *Store
	opts  Options
	index []byte
}

// NewHandler creates a handler over store.
func NewHandler(store *Store, opts Options) *Handler {
	index, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		panic("notesfixture: embedded page missing: " + err.Error())
	}
	return &Handler{store: store, opts: opts, index: index}
}

// RegisterRoutes registers the page and API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET /api/posts", h.ListPosts)
	mux.HandleFunc("DELETE /api/posts/{id}", h.DeletePost)
}

// NewServer returns the full fixture application with request logging.
func NewServer(store *Store, opts Options) http.Handler {
	mux := http.NewServeMux()
	NewHandler(store, opts).RegisterRoutes(mux)
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("notesfixture", recordHits(store, mux)))
}

func recordHits(store *Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store.record(Hit{Method: r.Method, Path: r.URL.Path, Session: r.Header.Get(obs.SessionHeader)})
		next.ServeHTTP(w, r)
	})
}

// Index handles GET / - the notes page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(h.index)
}

// ListPosts handles GET /api/posts - every post with its body rendered.
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	if !h.delay(r) {
		return
	}
	posts := h.store.List()
	views := make([]PostView, 0, len(posts))
	for _, p := range posts {
		views = append(views, viewOf(p))
	}
	writeJSON(w, http.StatusOK, views)
}

// DeletePost handles DELETE /api/posts/{id}.
func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if !h.delay(r) {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Post ID is required")
		return
	}
	if err := h.store.Delete(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "Post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete post: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// delay waits out the configured latency. It reports false when the client
// went away first.
func (h *Handler) delay(r *http.Request) bool {
	if h.opts.Latency <= 0 {
		return true
	}
	t := time.NewTimer(h.opts.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.Context().Done():
		return false
	}
}

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
