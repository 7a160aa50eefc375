package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Checker struct {
	DBPing     func(ctx context.Context) error
	RPCPing    func(ctx context.Context) error
	CursorPing func(ctx context.Context) error
	// Listeners reports the number of running per-season streams.
	Listeners func() int
}

// Handler serves /healthz: 200 when every configured check passes, 503 otherwise.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]any{"status": "ok"}
		code := http.StatusOK

		for name, check := range map[string]func(context.Context) error{
			"db":     checker.DBPing,
			"rpc":    checker.RPCPing,
			"cursor": checker.CursorPing,
		} {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				status[name] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status[name] = "ok"
			}
		}
		if checker.Listeners != nil {
			status["listeners"] = checker.Listeners()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts the /healthz handler on addr.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
