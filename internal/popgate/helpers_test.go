package popgate

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// originReq is one request the fake origin saw while it was up.
type originReq struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

type originRecorder struct {
	mu   sync.Mutex
	reqs []originReq
}

func (o *originRecorder) record(r *http.Request, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reqs = append(o.reqs, originReq{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   body,
		Header: r.Header.Clone(),
	})
}

func (o *originRecorder) all() []originReq {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]originReq, len(o.reqs))
	copy(out, o.reqs)
	return out
}

// flakyOrigin wraps a handler with a switch that simulates a dead network:
// while down, connections are hijacked and closed so the gateway's fetch
// fails the way an unreachable origin does, not with an HTTP status.
func flakyOrigin(t *testing.T, down *atomic.Bool, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok, "test server must support hijacking")
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, origin string, mut func(*Config)) *Service {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = origin
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache")
	cfg.Queue.Path = filepath.Join(t.TempDir(), "queue")
	cfg.Cache.Precache = []string{"/offline.html"}
	if mut != nil {
		mut(&cfg)
	}
	require.NoError(t, cfg.finalize())

	svc, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func doRequest(svc *Service, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, r)
	return rec
}
