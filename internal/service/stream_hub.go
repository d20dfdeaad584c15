package service

import (
	"context"
	"sync"

	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/interfaces"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/metrics"
)

// StreamHub owns the single physical subscription to the status topic and
// shares it between all registered views.
//
// The subscription exists while at least one view is registered and the
// session is valid. Ending the session tears it down but keeps the
// registrations, so a new session resubscribes without views re-registering.
type StreamHub struct {
	source  interfaces.EventSource
	session interfaces.SessionProvider
	topic   string
	handler interfaces.EventHandler
	metrics *metrics.Metrics

	mu         sync.Mutex
	views      map[string]int
	subscribed bool
	lastErr    error
}

// NewStreamHub creates a hub delivering topic events to handler
func NewStreamHub(source interfaces.EventSource, session interfaces.SessionProvider, topic string, handler interfaces.EventHandler, m *metrics.Metrics) *StreamHub {
	return &StreamHub{
		source:  source,
		session: session,
		topic:   topic,
		handler: handler,
		metrics: m,
		views:   make(map[string]int),
	}
}

// Acquire registers a view. The first registration with a valid session
// establishes the subscription. The view stays registered even when an
// error is returned; the error only means updates are not live.
func (h *StreamHub) Acquire(ctx context.Context, viewID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.views[viewID]++
	h.metrics.SetViewsWatching(h.viewCountLocked())
	return h.ensureSubscribedLocked(ctx)
}

// Release unregisters a view. The last release tears down the subscription.
func (h *StreamHub) Release(viewID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n, ok := h.views[viewID]; ok {
		if n <= 1 {
			delete(h.views, viewID)
		} else {
			h.views[viewID] = n - 1
		}
	}
	h.metrics.SetViewsWatching(h.viewCountLocked())

	if len(h.views) == 0 {
		h.unsubscribeLocked()
	}
}

// SessionStarted resubscribes when views are waiting for live updates
func (h *StreamHub) SessionStarted(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.views) == 0 {
		return nil
	}
	return h.ensureSubscribedLocked(ctx)
}

// SessionEnded tears down the subscription, keeping view registrations
func (h *StreamHub) SessionEnded() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked()
	h.lastErr = nil
}

// Live reports whether the subscription is established
func (h *StreamHub) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed
}

// Views returns the number of registered views
func (h *StreamHub) Views() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewCountLocked()
}

// LastError returns the last subscription failure, nil once subscribed
func (h *StreamHub) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *StreamHub) viewCountLocked() int {
	n := 0
	for _, c := range h.views {
		n += c
	}
	return n
}

func (h *StreamHub) ensureSubscribedLocked(ctx context.Context) error {
	if h.subscribed {
		return nil
	}
	if !h.session.Valid() {
		return fleet.ErrNoSession
	}

	if err := h.source.Subscribe(ctx, h.topic, h.handler); err != nil {
		h.lastErr = err
		logger.ErrorCtx(ctx, "Live updates unavailable, continuing with snapshots only: %v", err)
		return err
	}
	h.subscribed = true
	h.lastErr = nil
	logger.InfoCtx(ctx, "Subscribed to %s for %d view(s)", h.topic, h.viewCountLocked())
	return nil
}

func (h *StreamHub) unsubscribeLocked() {
	if !h.subscribed {
		return
	}
	h.subscribed = false
	if err := h.source.Unsubscribe(h.topic); err != nil {
		logger.Warnf("Failed to unsubscribe from %s: %v", h.topic, err)
		return
	}
	logger.Infof("Unsubscribed from %s", h.topic)
}
