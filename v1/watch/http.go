package watch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var errMissingSelector = errors.New("missing topic or prefix parameter")

// resolveWatch registers the watcher a request asked for: ?topic= for one
// topic, ?prefix= for a topic space. The returned cleanup unregisters it.
func resolveWatch(ctx context.Context, hub *Hub, r *http.Request) (<-chan []byte, func(), error) {
	if topic := r.URL.Query().Get("topic"); topic != "" {
		ch, err := hub.Watch(ctx, topic)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { _ = hub.Unwatch(context.Background(), topic, ch) }, nil
	}
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		ch, err := hub.WatchPrefix(ctx, prefix)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { _ = hub.Unwatch(context.Background(), prefix, ch) }, nil
	}
	return nil, nil, errMissingSelector
}

// SSEHandler streams hub events over Server-Sent Events. The watched topic
// comes from the "topic" query parameter, or "prefix" for a topic space.
func SSEHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, cleanup, err := resolveWatch(ctx, hub, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer cleanup()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams hub events over WebSocket. The watched topic
// comes from the "topic" query parameter, or "prefix" for a topic space.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, cleanup, err := resolveWatch(ctx, hub, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer cleanup()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
