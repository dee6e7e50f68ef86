package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/iphizic/homed-service-zigbee/internal/registry"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHub fans registry events out to websocket subscribers.
type WSHub struct {
	logger *slog.Logger
	events chan registry.Event

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	done     chan struct{}
	stopOnce sync.Once
}

// subscriber is one websocket client. out is closed by the hub when the
// subscriber is dropped.
type subscriber struct {
	out chan []byte
	// filter limits delivery to the listed event types; nil means all.
	filter map[string]bool
}

func (s *subscriber) accepts(eventType string) bool {
	return s.filter == nil || s.filter[eventType]
}

// NewWSHub creates a hub. Run must be started to deliver events.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger: logger,
		events: make(chan registry.Event, 256),
		subs:   make(map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
}

// Run delivers queued events until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			h.closed = true
			for sub := range h.subs {
				delete(h.subs, sub)
				close(sub.out)
			}
			h.mu.Unlock()
			return
		case event := <-h.events:
			h.deliver(event)
		}
	}
}

func (h *WSHub) deliver(event registry.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.accepts(event.Type) {
			continue
		}
		select {
		case sub.out <- data:
		default:
			delete(h.subs, sub)
			close(sub.out)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop shuts the hub down and closes every subscriber. Safe to call
// multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event without blocking; events are dropped when the
// queue is full.
func (h *WSHub) Broadcast(event registry.Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("ws event queue full, dropping event", "type", event.Type)
	}
}

// subscribe adds a subscriber. It reports false once the hub is stopped.
func (h *WSHub) subscribe(filter map[string]bool) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{out: make(chan []byte, wsSendBuffer), filter: filter}
	h.subs[sub] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.subs))
	return sub, true
}

func (h *WSHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.out)
	}
	h.logger.Debug("ws client disconnected", "total", len(h.subs))
}

// offer queues data for one subscriber if it is still connected.
func (h *WSHub) offer(sub *subscriber, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	select {
	case sub.out <- data:
	default:
	}
}

// Len returns the number of connected subscribers.
func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// parseEventFilter reads a comma separated ?events= list.
func parseEventFilter(raw string) map[string]bool {
	var filter map[string]bool
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if filter == nil {
			filter = make(map[string]bool)
		}
		filter[t] = true
	}
	return filter
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub, ok := s.wsHub.subscribe(parseEventFilter(r.URL.Query().Get("events")))
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	// New clients start from the current structural snapshot.
	if sub.accepts(registry.EventStatusUpdate) {
		if data, err := json.Marshal(registry.Event{Type: registry.EventStatusUpdate, Data: s.reg.DatabaseSnapshot()}); err == nil {
			s.wsHub.offer(sub, data)
		}
	}

	// Clients only listen; CloseRead discards input and reports disconnects.
	ctx := conn.CloseRead(context.Background())
	s.wsServe(ctx, conn, sub)
}

func (s *Server) wsServe(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.out:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			if err := wsWrite(ctx, conn, msg); err != nil {
				s.wsHub.unsubscribe(sub)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				s.wsHub.unsubscribe(sub)
				conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		case <-ctx.Done():
			s.wsHub.unsubscribe(sub)
			return
		}
	}
}

func wsWrite(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
