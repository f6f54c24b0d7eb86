package popgate

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func testClassifier(t *testing.T) classifier {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = "http://origin"
	require.NoError(t, cfg.finalize())
	return newClassifier(cfg)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	c := testClassifier(t)

	cases := []struct {
		name   string
		method string
		url    string
		want   Strategy
	}{
		{"pop api get falls through to network-first", http.MethodGet, "/api/pop/work-orders", StrategyNetworkFirst},
		{"pop api head", http.MethodHead, "/api/pop/work-orders", StrategyNetworkFirst},
		{"pop api post", http.MethodPost, "/api/pop/scans", StrategyOfflineQueue},
		{"pop api put", http.MethodPut, "/api/pop/scans/5", StrategyOfflineQueue},
		{"pop api patch", http.MethodPatch, "/api/pop/scans/5", StrategyOfflineQueue},
		{"pop api delete", http.MethodDelete, "/api/pop/scans/5", StrategyOfflineQueue},
		{"generic api get", http.MethodGet, "/api/departments", StrategyNetworkFirst},
		{"generic api post stays network-first", http.MethodPost, "/api/departments", StrategyNetworkFirst},
		{"pop page", http.MethodGet, "/pop/scan", StrategyPopPage},
		{"root", http.MethodGet, "/", StrategyCacheFirst},
		{"static asset", http.MethodGet, "/static/app.js", StrategyCacheFirst},
		{"icon", http.MethodGet, "/icons/icon-192x192.png", StrategyCacheFirst},
		{"absolute http pop mutation", http.MethodPost, "http://host/api/pop/scans", StrategyOfflineQueue},
		{"absolute https static", http.MethodGet, "https://host/static/app.js", StrategyCacheFirst},
		{"extension scheme bypasses", http.MethodGet, "chrome-extension://abcdef/background.js", StrategyBypass},
		{"blob scheme bypasses", http.MethodGet, "blob:d3958f5c-0777-0845-9dcf-2cb28783acaf", StrategyBypass},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			u, err := url.Parse(tc.url)
			require.NoError(t, err)
			require.Equal(t, tc.want, c.Classify(tc.method, u))
			// Pure function: identical inputs route identically.
			require.Equal(t, tc.want, c.Classify(tc.method, u))
		})
	}
}

func TestStrategyString(t *testing.T) {
	t.Parallel()

	for s, want := range map[Strategy]string{
		StrategyBypass:       "bypass",
		StrategyCacheFirst:   "cache-first",
		StrategyNetworkFirst: "network-first",
		StrategyOfflineQueue: "offline-queue",
		StrategyPopPage:      "pop-page",
		Strategy(99):         "unknown",
	} {
		require.Equal(t, want, s.String())
	}
}
