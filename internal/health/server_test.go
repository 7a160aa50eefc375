package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthEndpoint(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return context.DeadlineExceeded }

	tests := []struct {
		name       string
		checker    Checker
		wantCode   int
		wantDB     string
		wantRPC    string
		wantCursor string
	}{
		{
			name:     "all_ok",
			checker:  Checker{DBPing: ok, RPCPing: ok, CursorPing: ok},
			wantCode: http.StatusOK, wantDB: "ok", wantRPC: "ok", wantCursor: "ok",
		},
		{
			name:     "db_fail",
			checker:  Checker{DBPing: fail, RPCPing: ok},
			wantCode: http.StatusServiceUnavailable, wantDB: "fail", wantRPC: "ok",
		},
		{
			name:     "rpc_fail",
			checker:  Checker{DBPing: ok, RPCPing: fail},
			wantCode: http.StatusServiceUnavailable, wantDB: "ok", wantRPC: "fail",
		},
		{
			name:     "cursor_degraded",
			checker:  Checker{DBPing: ok, RPCPing: ok, CursorPing: fail},
			wantCode: http.StatusServiceUnavailable, wantDB: "ok", wantRPC: "ok", wantCursor: "fail",
		},
		{
			name:     "no_checkers",
			checker:  Checker{},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/healthz", nil)
			w := httptest.NewRecorder()

			Handler(tt.checker).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}

			var resp map[string]any
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["status"] != "ok" {
				t.Errorf("status = %v, want ok", resp["status"])
			}
			for field, want := range map[string]string{"db": tt.wantDB, "rpc": tt.wantRPC, "cursor": tt.wantCursor} {
				if want != "" && resp[field] != want {
					t.Errorf("%s = %v, want %q", field, resp[field], want)
				}
			}
		})
	}
}

func TestHealthReportsListeners(t *testing.T) {
	w := httptest.NewRecorder()
	Handler(Checker{Listeners: func() int { return 4 }}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["listeners"] != float64(4) {
		t.Fatalf("listeners = %v", resp["listeners"])
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := Serve("127.0.0.1:0", Checker{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Shutdown(ctx, srv); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

type headClient struct{ err error }

func (h headClient) BlockNumber(context.Context) (uint64, error) { return 1, h.err }

func TestRPCCheckerReportsFailure(t *testing.T) {
	c := NewRPCChecker(map[string]HeadClient{"primary": headClient{}})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c = NewRPCChecker(map[string]HeadClient{"primary": headClient{}, "backup": headClient{err: errors.New("refused")}})
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
}
