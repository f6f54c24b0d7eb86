package popgate

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Background-sync tags. sync-inventory is a registered hook with no backlog
// of its own yet; inventory scans ride the shared POP queue.
const (
	syncTagPopData   = "sync-pop-data"
	syncTagInventory = "sync-inventory"
)

// RegisterSync records the intent to drain a tag when connectivity returns.
// Registrations are in-memory; NewService rebuilds the pop-data one from a
// non-empty backlog after a restart.
func (s *Service) RegisterSync(tag string) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.syncTags[tag] = struct{}{}
}

func (s *Service) unregisterSync(tag string) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	delete(s.syncTags, tag)
}

func (s *Service) registeredSyncTags() []string {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	out := make([]string, 0, len(s.syncTags))
	for t := range s.syncTags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HandleSync is the host-fired sync event. Unrecognized tags are ignored.
func (s *Service) HandleSync(ctx context.Context, tag string) error {
	switch tag {
	case syncTagPopData:
		return s.drainQueue(ctx)
	case syncTagInventory:
		s.log.Debug("sync tag has no dedicated backlog", zap.String("tag", tag))
		return nil
	default:
		s.log.Warn("ignoring unrecognized sync tag", zap.String("tag", tag))
		return nil
	}
}

// drainQueue replays the backlog sequentially in enqueue order, which
// preserves create/update ordering for the same logical resource. A failed
// record is retained for the next trigger; the batch is never aborted.
func (s *Service) drainQueue(ctx context.Context) error {
	recs, err := s.queue.ListAll()
	if err != nil {
		return err
	}

	replayed, retained := 0, 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.replayOne(ctx, rec.Mutation) {
			metricReplayRetained.Inc()
			retained++
			continue
		}
		if rerr := s.queue.Remove(rec.Key); rerr != nil {
			// The record stays in the backlog, so the depth gauge must not
			// move either.
			s.storageLog.Warn("queued mutation remove failed", zap.Uint64("key", rec.Key), zap.Error(rerr))
		} else {
			metricQueueDepth.Dec()
		}
		metricReplayOK.Inc()
		replayed++
	}

	// No result is surfaced to the original caller; it already got its 202.
	s.log.Info("sync drain complete",
		zap.Int("replayed", replayed),
		zap.Int("retained", retained))
	return nil
}

func (s *Service) replayOne(ctx context.Context, m QueuedMutation) bool {
	var rd io.Reader
	if m.Body != "" {
		rd = strings.NewReader(m.Body)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, rd)
	if err != nil {
		return false
	}
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// StartSyncMonitor probes the origin and fires registered sync tags on the
// offline-to-online transition. Startup counts as offline so a restart with
// a backlog drains on the first successful probe.
func (s *Service) StartSyncMonitor() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorLoop()
	}()
}

func (s *Service) monitorLoop() {
	t := time.NewTicker(s.cfg.Sync.probeDur)
	defer t.Stop()

	online := false
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			now := s.probe(context.Background())
			if now && !online {
				s.onOnline(context.Background())
			}
			online = now
		}
	}
}

// probe reports whether the origin is reachable. Any HTTP response counts;
// reachability is about the network path, not origin health.
func (s *Service) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.Server.Origin+s.cfg.Sync.ProbePath, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (s *Service) onOnline(ctx context.Context) {
	s.log.Info("origin reachable")
	if !s.Installed() {
		if err := s.HandleInstall(ctx); err != nil {
			s.log.Warn("install retry failed", zap.Error(err))
		} else if err := s.HandleActivate(ctx); err != nil {
			s.log.Warn("activate failed", zap.Error(err))
		}
	}
	for _, tag := range s.registeredSyncTags() {
		if err := s.HandleSync(ctx, tag); err != nil {
			s.log.Warn("sync failed", zap.String("tag", tag), zap.Error(err))
			continue
		}
		s.clearSyncIfDrained(tag)
	}
}

// clearSyncIfDrained drops a registration once its backlog is gone;
// registrations are one-shot intents, not subscriptions.
func (s *Service) clearSyncIfDrained(tag string) {
	if tag != syncTagPopData {
		s.unregisterSync(tag)
		return
	}
	if n, err := s.queue.Len(); err == nil && n == 0 {
		s.unregisterSync(tag)
	}
}
