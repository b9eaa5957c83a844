// ABOUTME: Live event feeds over SSE and websocket
// ABOUTME: Merges component broadcasters, filtered by ?component= and ?key=

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-coordinator/internal/events"
)

const (
	sseKeepAlive   = 25 * time.Second
	wsWriteTimeout = 15 * time.Second
)

var errUnknownComponent = errors.New("unknown component")

// subscribeFeed subscribes to the requested components and merges their
// events into one channel, closed when ctx is done or the service shuts down.
func (s *Server) subscribeFeed(ctx context.Context, r *http.Request) (<-chan *events.Event, error) {
	feeds := s.svc.Broadcasters()

	var names []string
	if raw := r.URL.Query().Get("component"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if _, ok := feeds[name]; !ok {
				return nil, fmt.Errorf("%w: %s", errUnknownComponent, name)
			}
			names = append(names, name)
		}
	} else {
		for name := range feeds {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	key := r.URL.Query().Get("key")

	ctx, cancel := context.WithCancel(ctx)
	sources := make([]<-chan *events.Event, 0, len(names))
	for _, name := range names {
		ch, _, err := feeds[name].Subscribe(ctx, key)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribing to %s: %w", name, err)
		}
		sources = append(sources, ch)
	}

	out := make(chan *events.Event, 64)
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Go(func() {
			for ev := range src {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		})
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}

func (s *Server) feedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownComponent):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, events.ErrTooManySubscribers):
		s.sendJSONError(w, http.StatusServiceUnavailable, "too many subscribers")
	default:
		s.sendJSONError(w, http.StatusServiceUnavailable, "event feed unavailable")
	}
}

// handleEventsSSE streams events as Server-Sent Events.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	feed, err := s.subscribeFeed(ctx, r)
	if err != nil {
		s.feedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-feed:
			if !ok {
				return
			}
			s.writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event as "event: <component>.<type>".
func (s *Server) writeSSEEvent(w http.ResponseWriter, ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "id: %s\n", ev.ID)
	_, _ = fmt.Fprintf(w, "event: %s.%s\n", ev.Component, ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleEventsWebSocket streams events as JSON text messages. Client
// messages are ignored apart from close frames.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	feed, err := s.subscribeFeed(r.Context(), r)
	if err != nil {
		s.feedError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
