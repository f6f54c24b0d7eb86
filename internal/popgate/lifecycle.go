package popgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ControlMessage is a command the application sends to the gateway.
type ControlMessage struct {
	Type string `json:"type"`
}

const (
	msgSkipWaiting = "SKIP_WAITING"
	msgClearCache  = "CLEAR_CACHE"
)

var errUnknownMessage = errors.New("unknown control message")

// HandleInstall seeds the static partition from the precache manifest.
// Seeding is all-or-nothing: every URL is fetched before anything is
// written, so a single 404 cannot leave a partially seeded app shell.
func (s *Service) HandleInstall(ctx context.Context) error {
	entries := make(map[string]CacheEntry, len(s.cfg.Cache.Precache))
	for _, u := range s.cfg.Cache.Precache {
		ent, err := s.fetchOrigin(ctx, http.MethodGet, u, nil, nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", u, err)
		}
		if ent.Status != http.StatusOK {
			return fmt.Errorf("install %s: origin status %d", u, ent.Status)
		}
		entries[u] = ent
	}
	for u, ent := range entries {
		if err := s.cache.Put(s.staticName, u, ent); err != nil {
			return fmt.Errorf("install %s: %w", u, err)
		}
	}
	s.installed.Store(true)
	s.log.Info("install complete",
		zap.Int("precached", len(entries)),
		zap.String("partition", s.staticName))
	return nil
}

// Installed reports whether the static partition was seeded for the current
// version. The sync monitor retries install while this is false.
func (s *Service) Installed() bool {
	return s.installed.Load()
}

// HandleActivate deletes every partition not tagged with the active version.
func (s *Service) HandleActivate(ctx context.Context) error {
	current := map[string]bool{
		s.staticName: true,
		s.apiName:    true,
		s.popName:    true,
	}
	parts, err := s.cache.Partitions()
	if err != nil {
		return err
	}
	for _, p := range parts {
		if current[p] {
			continue
		}
		if err := s.cache.Drop(p); err != nil {
			return err
		}
		metricPartitionsDropped.Inc()
		s.log.Info("dropped stale cache partition", zap.String("partition", p))
	}
	return nil
}

// HandleMessage executes a control message. SKIP_WAITING forces an immediate
// install+activate cutover; CLEAR_CACHE drops all partitions unconditionally
// (support/debug recovery).
func (s *Service) HandleMessage(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case msgSkipWaiting:
		if err := s.HandleInstall(ctx); err != nil {
			return err
		}
		return s.HandleActivate(ctx)
	case msgClearCache:
		parts, err := s.cache.Partitions()
		if err != nil {
			return err
		}
		for _, p := range parts {
			if err := s.cache.Drop(p); err != nil {
				return err
			}
		}
		s.installed.Store(false)
		s.log.Info("cleared all cache partitions", zap.Int("count", len(parts)))
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownMessage, msg.Type)
	}
}

// MessageHandler exposes control messages on the admin mux.
func (s *Service) MessageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		if err := s.HandleMessage(r.Context(), msg); err != nil {
			if errors.Is(err, errUnknownMessage) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
