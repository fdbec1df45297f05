package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/postpipe/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Server is the read-mostly status dashboard. Setting an item's status is
// the only write it performs.
type Server struct {
	db         *database.DB
	staleAfter time.Duration
	now        func() time.Time
	pages      map[string]*template.Template
	mux        *http.ServeMux
}

// New creates a new Server. staleAfter is only used to phrase the health
// summary.
func New(db *database.DB, staleAfter time.Duration) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"ago":      ago,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"priority": func(p *int) string {
			if p == nil {
				return "-"
			}
			return strconv.Itoa(*p)
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "themes.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, staleAfter: staleAfter, now: time.Now, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /themes", s.handleThemes)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /items/{id}/status", s.handleSetStatus)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := s.db.GetRunState(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	stats, err := s.db.GetStats(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	status := r.URL.Query().Get("status")
	items, err := s.db.ListItems(ctx, database.ItemFilter{Status: status, Limit: 50})
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"State":   state,
		"Stats":   stats,
		"Items":   items,
		"Status":  status,
		"Summary": healthSummary(state, s.now(), s.staleAfter),
	})
}

func (s *Server) handleThemes(w http.ResponseWriter, r *http.Request) {
	themes, err := s.db.ListThemes(r.Context(), 100)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.render(w, "themes.html", map[string]any{"Themes": themes})
}

type statusResponse struct {
	IsRunning      bool           `json:"is_running"`
	LastStart      *time.Time     `json:"last_start"`
	LastCompletion *time.Time     `json:"last_completion"`
	LastFailure    *time.Time     `json:"last_failure"`
	LastError      string         `json:"last_error,omitempty"`
	PID            int            `json:"process_pid,omitempty"`
	HeartbeatAt    *time.Time     `json:"heartbeat_at"`
	Pending        map[string]int `json:"pending"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := s.db.GetRunState(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := s.db.GetStats(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		IsRunning:      state.IsRunning,
		LastStart:      timePtr(state.LastStart),
		LastCompletion: timePtr(state.LastCompletion),
		LastFailure:    timePtr(state.LastFailure),
		LastError:      state.LastError,
		PID:            state.PID,
		HeartbeatAt:    timePtr(state.HeartbeatAt),
		Pending: map[string]int{
			"score":   stats.PendingScore,
			"embed":   stats.PendingEmbed,
			"cluster": stats.PendingCluster,
		},
	})
}

// handleSetStatus accepts a form post (redirecting back to the index) or a
// JSON body {"status": "..."} (answering 204).
func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	fail := func(code int, err error) {
		if isJSON {
			writeJSONError(w, code, err)
			return
		}
		http.Error(w, err.Error(), code)
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		fail(http.StatusBadRequest, fmt.Errorf("invalid item id %q", r.PathValue("id")))
		return
	}

	var status string
	if isJSON {
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			fail(http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
			return
		}
		status = body.Status
	} else {
		status = r.FormValue("status")
	}

	err = s.db.SetItemStatus(r.Context(), id, status)
	switch {
	case errors.Is(err, database.ErrNotFound):
		fail(http.StatusNotFound, err)
		return
	case errors.Is(err, database.ErrInvalidStatus):
		fail(http.StatusBadRequest, err)
		return
	case err != nil:
		log.Printf("Setting status of item %d failed: %v", id, err)
		fail(http.StatusInternalServerError, errors.New("internal server error"))
		return
	}

	if isJSON {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	log.Printf("Request failed: %v", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

// healthSummary describes the run state as Markdown.
func healthSummary(st database.RunState, now time.Time, staleAfter time.Duration) string {
	var b strings.Builder
	switch {
	case st.IsRunning && staleAfter > 0 && now.Sub(st.LastStart) > staleAfter:
		fmt.Fprintf(&b, "**Running, possibly stale.** Started %s; the health monitor repairs runs with no live owner.\n",
			humanize.RelTime(st.LastStart, now, "ago", "from now"))
	case st.IsRunning:
		fmt.Fprintf(&b, "**Running.** Started %s", humanize.RelTime(st.LastStart, now, "ago", "from now"))
		if st.PID > 0 {
			fmt.Fprintf(&b, " by pid %d", st.PID)
		}
		b.WriteString(".\n")
	default:
		b.WriteString("**Idle.**\n")
	}

	if !st.LastCompletion.IsZero() {
		fmt.Fprintf(&b, "\n- Last completed run: %s\n", humanize.RelTime(st.LastCompletion, now, "ago", "from now"))
	} else {
		b.WriteString("\n- No run has completed yet\n")
	}
	if !st.LastFailure.IsZero() && st.LastFailure.After(st.LastCompletion) {
		fmt.Fprintf(&b, "- Last failure: %s: `%s`\n", humanize.RelTime(st.LastFailure, now, "ago", "from now"), st.LastError)
	}
	return b.String()
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encoding response failed: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// Serve runs the server on localhost until ctx is done.
func Serve(ctx context.Context, db *database.DB, port int, staleAfter time.Duration) error {
	srv, err := New(db, staleAfter)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Printf("Server listening on http://%s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
