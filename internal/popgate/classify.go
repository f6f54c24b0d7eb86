package popgate

import (
	"net/http"
	"net/url"
	"strings"
)

// Strategy is the handling a request is routed to. Exactly one strategy is
// selected per request, as a pure function of (scheme, path, method).
type Strategy int

const (
	StrategyBypass Strategy = iota
	StrategyCacheFirst
	StrategyNetworkFirst
	StrategyOfflineQueue
	StrategyPopPage
)

func (s Strategy) String() string {
	switch s {
	case StrategyBypass:
		return "bypass"
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyOfflineQueue:
		return "offline-queue"
	case StrategyPopPage:
		return "pop-page"
	default:
		return "unknown"
	}
}

type classifier struct {
	popAPI   string
	api      string
	popPages string
}

func newClassifier(cfg Config) classifier {
	return classifier{
		popAPI:   cfg.Routes.PopAPI,
		api:      cfg.Routes.API,
		popPages: cfg.Routes.PopPages,
	}
}

// Classify picks the strategy for a request. Absolute-form URLs with a
// non-HTTP(S) scheme bypass the pipeline entirely; they must never be
// cached or queued. GETs under the POP API namespace fall through to
// network-first, only mutations there are queueable.
func (c classifier) Classify(method string, u *url.URL) Strategy {
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return StrategyBypass
	}
	switch {
	case strings.HasPrefix(u.Path, c.popAPI):
		if isMutation(method) {
			return StrategyOfflineQueue
		}
		return StrategyNetworkFirst
	case strings.HasPrefix(u.Path, c.api):
		return StrategyNetworkFirst
	case strings.HasPrefix(u.Path, c.popPages):
		return StrategyPopPage
	default:
		return StrategyCacheFirst
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
