package popgate

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// cacheTimeHeader records write time on api-responses entries; freshness
	// of a stale fallback is judged against it.
	cacheTimeHeader = "sw-cache-time"

	// cacheStatusHeader tells calling code how its response was produced.
	cacheStatusHeader = "X-Popgate-Cache"
)

// Service is the request pipeline: router, strategies, partitions, queue,
// replayer and lifecycle. The host (cmd/popgate) calls into its exported
// Handle* methods; nothing here registers ambient global handlers.
type Service struct {
	cfg Config
	log *zap.Logger

	classify   classifier
	httpClient *http.Client

	cache PartitionStore
	queue QueueStore

	staticName string
	apiName    string
	popName    string

	installed atomic.Bool

	syncMu   sync.Mutex
	syncTags map[string]struct{}

	bgSem     chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	storageLog *rateLimitedLogger
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	cache, err := openPartitions(cfg.Cache.Path)
	if err != nil {
		return nil, err
	}
	queue, err := openQueue(cfg.Queue.Path)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		classify: newClassifier(cfg),
		// No client timeout: the strategies rely on the transport's own
		// backstops, same as the worker they replace.
		httpClient: &http.Client{},
		cache:      cache,
		queue:      queue,
		staticName: partitionName(roleStatic, cfg.Version),
		apiName:    partitionName(roleAPI, cfg.Version),
		popName:    partitionName(rolePop, cfg.Version),
		syncTags:   map[string]struct{}{},
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		storageLog: newRateLimitedLogger(log, 1*time.Minute),
	}

	// The queue survives restarts; sync registrations do not. Re-register
	// from the backlog so a restart while offline still drains later.
	if n, err := queue.Len(); err == nil {
		metricQueueDepth.Set(float64(n))
		if n > 0 {
			s.RegisterSync(syncTagPopData)
		}
	}

	return s, nil
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		_ = s.cache.Close()
		_ = s.queue.Close()
	})
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	switch s.classify.Classify(r.Method, r.URL) {
	case StrategyBypass:
		// Nothing behind the origin can answer a non-HTTP(S) scheme; the
		// contract is only that it is never cached or queued.
		http.Error(w, "unsupported scheme", http.StatusNotImplemented)
	case StrategyCacheFirst:
		s.cacheFirst(w, r)
	case StrategyNetworkFirst:
		s.networkFirst(w, r)
	case StrategyOfflineQueue:
		s.offlineQueue(w, r)
	case StrategyPopPage:
		s.popPage(w, r)
	}
}

// cacheFirst serves static assets: cache hit wins outright, the network is
// only consulted on a miss. Failed full-page navigations fall back to the
// offline page seeded at install time.
func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	if r.Method == http.MethodGet {
		if ent, err := s.cache.Get(s.staticName, key); err == nil {
			metricCacheHits.WithLabelValues("cache-first").Inc()
			writeEntry(w, ent, "hit")
			return
		}
	}
	metricCacheMisses.WithLabelValues("cache-first").Inc()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	ent, err := s.fetchOrigin(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		if isNavigation(r) {
			if fb, ferr := s.cache.Get(s.staticName, s.cfg.Cache.OfflinePage); ferr == nil {
				writeEntry(w, fb, "offline-fallback")
				return
			}
		}
		s.badGateway(w, "offline")
		return
	}
	if r.Method == http.MethodGet && ent.Status == http.StatusOK && s.cacheable(ent) {
		if perr := s.cache.Put(s.staticName, key, ent); perr != nil {
			s.storageLog.Warn("static cache write failed", zap.String("key", key), zap.Error(perr))
		}
	}
	writeEntry(w, ent, "miss")
}

// networkFirst prefers live data. A successful GET is snapshotted into the
// api partition as a detached best-effort write; on network failure a cached
// snapshot is served only while younger than the freshness threshold.
func (s *Service) networkFirst(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	ent, err := s.fetchOrigin(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err == nil {
		if r.Method == http.MethodGet && ent.Status == http.StatusOK && s.cacheable(ent) {
			snap := ent
			snap.Header = cloneHeader(ent.Header)
			snap.Header.Set(cacheTimeHeader, strconv.FormatInt(time.Now().UnixMilli(), 10))
			s.detach(func() {
				if perr := s.cache.Put(s.apiName, key, snap); perr != nil {
					s.storageLog.Warn("api cache write failed", zap.String("key", key), zap.Error(perr))
				}
			})
		}
		writeEntry(w, ent, "live")
		return
	}

	// Only reads get a stale fallback; a failed mutation must surface as a
	// failure, never as a cached 200.
	if r.Method == http.MethodGet {
		if cached, cerr := s.cache.Get(s.apiName, key); cerr == nil && s.fresh(cached) {
			metricCacheHits.WithLabelValues("network-first").Inc()
			writeEntry(w, cached, "stale")
			return
		}
	}
	metricCacheMisses.WithLabelValues("network-first").Inc()
	s.badGateway(w, "offline")
}

// offlineQueue handles POP mutations. Live delivery passes through verbatim;
// a network failure captures the request durably and answers 202 so the UI
// can tell "deferred" apart from both success and hard failure.
func (s *Service) offlineQueue(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	ent, err := s.fetchOrigin(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err == nil {
		// Mutations are never cached.
		writeEntry(w, ent, "live")
		return
	}

	m := QueuedMutation{
		URL:       s.cfg.Server.Origin + r.URL.RequestURI(),
		Method:    r.Method,
		Headers:   flattenHeader(r.Header),
		Body:      string(body),
		Timestamp: time.Now().UnixMilli(),
	}
	if _, qerr := s.queue.Enqueue(m); qerr != nil {
		// The caller still gets its 202; durability was not achieved and
		// the log line is the only trace of that.
		s.storageLog.Warn("mutation enqueue failed", zap.String("url", m.URL), zap.Error(qerr))
	} else {
		metricQueued.Inc()
		metricQueueDepth.Inc()
	}
	s.RegisterSync(syncTagPopData)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(cacheStatusHeader, "queued")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"offline":true,"queued":true}`))
}

// popPage is stale-while-revalidate for operator pages: a hit is returned
// immediately and refreshed by a detached fetch whose outcome never touches
// the already-written response.
func (s *Service) popPage(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	if r.Method == http.MethodGet {
		if ent, err := s.cache.Get(s.popName, key); err == nil {
			metricCacheHits.WithLabelValues("pop-page").Inc()
			writeEntry(w, ent, "hit")
			s.refreshAsync(key, r.URL.Path, r.URL.RawQuery)
			return
		}
	}
	metricCacheMisses.WithLabelValues("pop-page").Inc()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	ent, err := s.fetchOrigin(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		if r.Method == http.MethodGet {
			if fb, ferr := s.cache.Get(s.popName, s.cfg.Cache.OfflinePage); ferr == nil {
				writeEntry(w, fb, "offline-fallback")
				return
			}
		}
		s.badGateway(w, "offline")
		return
	}
	if r.Method == http.MethodGet && ent.Status == http.StatusOK && s.cacheable(ent) {
		if perr := s.cache.Put(s.popName, key, ent); perr != nil {
			s.storageLog.Warn("pop cache write failed", zap.String("key", key), zap.Error(perr))
		}
	}
	writeEntry(w, ent, "miss")
}

func (s *Service) refreshAsync(key, path, query string) {
	s.detach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.refreshOnce(ctx, key, path, query)
	})
}

// refreshOnce re-fetches a POP page in the background. Any failure leaves
// the existing entry authoritative.
func (s *Service) refreshOnce(ctx context.Context, key, path, query string) {
	uri := path
	if query != "" {
		uri = uri + "?" + query
	}
	ent, err := s.fetchOrigin(ctx, http.MethodGet, uri, nil, nil)
	if err != nil || ent.Status != http.StatusOK || !s.cacheable(ent) {
		return
	}
	_ = s.cache.Put(s.popName, key, ent)
}

// detach runs fn in the background, bounded by bgSem and tracked so Close
// drains in-flight work. When the semaphore is full, or shutdown has started,
// the task is skipped; every detached task here is best-effort.
func (s *Service) detach(fn func()) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		fn()
	}()
}

func (s *Service) fetchOrigin(ctx context.Context, method, uri string, header http.Header, body []byte) (CacheEntry, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.Server.Origin+uri, rd)
	if err != nil {
		return CacheEntry{}, err
	}
	if header != nil {
		copyHeaders(req.Header, header)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().UnixMilli(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (s *Service) fresh(ent CacheEntry) bool {
	ts, err := strconv.ParseInt(ent.Header.Get(cacheTimeHeader), 10, 64)
	if err != nil {
		return false
	}
	return time.Now().UnixMilli()-ts < s.cfg.Cache.freshDur.Milliseconds()
}

func (s *Service) cacheable(ent CacheEntry) bool {
	return s.cfg.Cache.maxEntry <= 0 || int64(len(ent.Body)) <= s.cfg.Cache.maxEntry
}

func (s *Service) badGateway(w http.ResponseWriter, status string) {
	setCacheStatus(w.Header(), status)
	http.Error(w, "origin unreachable", http.StatusBadGateway)
}

// requestKey derives the partition lookup key from the request URI. Only GET
// requests ever match or store a partition entry, so the method does not need
// to be part of the key.
func requestKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable request body", http.StatusBadRequest)
		return nil, false
	}
	return b, true
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, status string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheStatusHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheStatus(w.Header(), status)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setCacheStatus(h http.Header, status string) {
	if status != "" {
		h.Set(cacheStatusHeader, status)
	}
	// If this is used from a browser in a CORS context, custom headers are
	// not readable by JS unless explicitly exposed.
	ensureExposedHeader(h, cacheStatusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// flattenHeader snapshots headers for the queue record: one value per name.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if strings.EqualFold(k, "Host") || len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	return out
}
