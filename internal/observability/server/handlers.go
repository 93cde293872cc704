package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"warden/internal/plugin"
	"warden/internal/storage"
	"warden/internal/task/engine"
	"warden/internal/task/scheduler"
	"warden/internal/writer"
)

// Sources are the read-only views the server renders. Nil fields are
// reported as unavailable.
type Sources struct {
	Version   string
	StartedAt time.Time

	Health     func() error
	Scheduler  func() scheduler.Snapshot
	Dispatcher func(historyLimit int) engine.Snapshot
	Plugins    func() []plugin.Status
	Writer     func() writer.Status
	Failures   func(ctx context.Context, limit int) ([]storage.FailureRecord, error)
	Metrics    http.Handler
}

type statusBody struct {
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	State      scheduler.State  `json:"state"`
	Timezone   string           `json:"timezone"`
	Entries    int              `json:"entries"`
	Cancelled  []string         `json:"cancelled"`
	Dispatcher *engine.Snapshot `json:"dispatcher,omitempty"`
	Writer     *writer.Status   `json:"writer,omitempty"`
}

type pluginBody struct {
	plugin.Status
	Entries []scheduler.EntryStatus `json:"entries"`
}

type writersBody struct {
	writer.Status
	Recent []storage.FailureRecord `json:"recent,omitempty"`
}

// Handler builds the routes for cfg. Every route requires the token when one
// is configured.
func (s *Service) Handler(cfg Config) http.Handler {
	src := s.src
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Health != nil {
			if err := src.Health(); err != nil {
				http.Error(w, "degraded: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("GET /status", wrap(func(w http.ResponseWriter, r *http.Request) {
		body := statusBody{Version: src.Version}
		if !src.StartedAt.IsZero() {
			body.Uptime = time.Since(src.StartedAt).Truncate(time.Second).String()
		}
		if src.Scheduler != nil {
			snap := src.Scheduler()
			body.State, body.Timezone = snap.State, snap.Timezone
			body.Entries, body.Cancelled = len(snap.Entries), snap.Cancelled
		}
		if src.Dispatcher != nil {
			d := src.Dispatcher(queryInt(r, "history", 20))
			body.Dispatcher = &d
		}
		if src.Writer != nil {
			ws := src.Writer()
			body.Writer = &ws
		}
		writeJSON(w, http.StatusOK, body)
	}))

	mux.HandleFunc("GET /status/plugins", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Plugins == nil {
			http.Error(w, "plugins unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, src.Plugins())
	}))

	mux.HandleFunc("GET /status/plugins/{name}", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Plugins == nil {
			http.Error(w, "plugins unavailable", http.StatusServiceUnavailable)
			return
		}
		name := strings.ToLower(r.PathValue("name"))
		for _, st := range src.Plugins() {
			if st.Name != name {
				continue
			}
			body := pluginBody{Status: st, Entries: []scheduler.EntryStatus{}}
			if src.Scheduler != nil {
				body.Entries = src.Scheduler().ForPlugin(name)
			}
			writeJSON(w, http.StatusOK, body)
			return
		}
		http.Error(w, "unknown plugin", http.StatusNotFound)
	}))

	mux.HandleFunc("GET /status/writers", wrap(func(w http.ResponseWriter, r *http.Request) {
		if src.Writer == nil {
			http.Error(w, "writer unavailable", http.StatusServiceUnavailable)
			return
		}
		body := writersBody{Status: src.Writer()}
		if src.Failures != nil {
			recs, err := src.Failures(r.Context(), queryInt(r, "limit", 50))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			body.Recent = recs
		}
		writeJSON(w, http.StatusOK, body)
	}))

	if src.Metrics != nil {
		mux.Handle("GET /metrics", wrap(src.Metrics.ServeHTTP))
	}

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}
