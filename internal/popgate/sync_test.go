package popgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func queueMutations(t *testing.T, svc *Service, n int) []QueuedRecord {
	t.Helper()
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/api/pop/scans/%d", i),
			strings.NewReader(fmt.Sprintf(`{"seq":%d}`, i)))
		req.Header.Set("Content-Type", "application/json")
		res := doRequest(svc, req)
		require.Equal(t, http.StatusAccepted, res.Code)
	}
	recs, err := svc.queue.ListAll()
	require.NoError(t, err)
	require.Len(t, recs, n)
	return recs
}

func TestSyncReplaysBacklogInOrder(t *testing.T) {
	t.Parallel()

	rec := &originRecorder{}
	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.record(r, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	svc := newTestService(t, origin.URL, nil)

	down.Store(true)
	const n = 5
	queueMutations(t, svc, n)

	down.Store(false)
	require.NoError(t, svc.HandleSync(context.Background(), syncTagPopData))

	got := rec.all()
	require.Len(t, got, n)
	for i, r := range got {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, fmt.Sprintf("/api/pop/scans/%d", i), r.Path, "replay must preserve enqueue order")
		require.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), r.Body)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}

	depth, err := svc.queue.Len()
	require.NoError(t, err)
	require.Zero(t, depth, "queue drains completely on a clean replay")
}

func TestSyncRetainsOnlyFailedRecord(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pop/scans/1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	svc := newTestService(t, origin.URL, nil)

	down.Store(true)
	queued := queueMutations(t, svc, 3)
	failed := queued[1]

	down.Store(false)
	require.NoError(t, svc.HandleSync(context.Background(), syncTagPopData))

	recs, err := svc.queue.ListAll()
	require.NoError(t, err)
	require.Len(t, recs, 1, "one failure must not abort the batch")
	require.Equal(t, failed.Key, recs[0].Key)
	require.Equal(t, failed.Mutation.Timestamp, recs[0].Mutation.Timestamp)
	require.Equal(t, "/api/pop/scans/1", strings.TrimPrefix(recs[0].Mutation.URL, svc.cfg.Server.Origin))
}

func TestSyncStillOfflineKeepsEverything(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.NotFoundHandler())
	svc := newTestService(t, origin.URL, nil)

	down.Store(true)
	queueMutations(t, svc, 3)

	require.NoError(t, svc.HandleSync(context.Background(), syncTagPopData))

	depth, err := svc.queue.Len()
	require.NoError(t, err)
	require.Equal(t, 3, depth)
}

func TestSyncInventoryAndUnknownTagsAreNoOps(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.NotFoundHandler())
	svc := newTestService(t, origin.URL, nil)

	down.Store(true)
	queueMutations(t, svc, 1)

	require.NoError(t, svc.HandleSync(context.Background(), syncTagInventory))
	require.NoError(t, svc.HandleSync(context.Background(), "sync-unrelated"))

	depth, err := svc.queue.Len()
	require.NoError(t, err)
	require.Equal(t, 1, depth, "only sync-pop-data drains the queue")
}

func TestSyncRegistrationRebuiltAfterRestart(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.NotFoundHandler())

	var cfg Config
	cfg.Server.Origin = origin.URL
	cfg.Cache.Path = t.TempDir() + "/cache"
	cfg.Queue.Path = t.TempDir() + "/queue"
	require.NoError(t, cfg.finalize())

	svc, err := NewService(cfg, testLogger())
	require.NoError(t, err)
	down.Store(true)
	queueMutations(t, svc, 2)
	svc.Close()

	// A fresh process loses in-memory registrations but not the backlog.
	svc2, err := NewService(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(svc2.Close)
	require.Contains(t, svc2.registeredSyncTags(), syncTagPopData)
}

func TestOnOnlineDrainsAndUnregisters(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	svc := newTestService(t, origin.URL, nil)

	down.Store(true)
	queueMutations(t, svc, 2)
	require.Contains(t, svc.registeredSyncTags(), syncTagPopData)

	down.Store(false)
	svc.onOnline(context.Background())

	depth, err := svc.queue.Len()
	require.NoError(t, err)
	require.Zero(t, depth)
	require.NotContains(t, svc.registeredSyncTags(), syncTagPopData,
		"a drained registration is a spent intent")
	require.True(t, svc.Installed(), "coming online retries a missed install")
}

func TestProbe(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A degraded origin still proves the network path works.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	svc := newTestService(t, origin.URL, nil)

	require.True(t, svc.probe(context.Background()))
	down.Store(true)
	require.False(t, svc.probe(context.Background()))
}

// removeFailQueue wraps a real queue but refuses to delete records, the way
// a leveldb write failure would.
type removeFailQueue struct {
	QueueStore
}

func (removeFailQueue) Remove(key uint64) error {
	return errors.New("remove rejected")
}

func TestDrainKeepsDepthGaugeWhenRemoveFails(t *testing.T) {
	var down atomic.Bool
	origin := flakyOrigin(t, &down, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	svc := newTestService(t, origin.URL, nil)

	down.Store(true)
	queueMutations(t, svc, 2)
	down.Store(false)

	svc.queue = removeFailQueue{svc.queue}
	before := testutil.ToFloat64(metricQueueDepth)
	require.NoError(t, svc.HandleSync(context.Background(), syncTagPopData))

	// Both records replayed but neither left the backlog; the gauge must
	// still count them.
	require.Equal(t, before, testutil.ToFloat64(metricQueueDepth))
	n, err := svc.queue.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
