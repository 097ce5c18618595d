package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/keepsake-app/keepsake/internal/importer"
)

const feedBuffer = 16

// feedHub fans importer events out to websocket subscribers. A subscriber
// that cannot keep up has its buffer dropped on the floor rather than
// stalling the importer.
type feedHub struct {
	mu   sync.Mutex
	subs map[chan importer.Event]struct{}
}

func newFeedHub() *feedHub {
	return &feedHub{subs: map[chan importer.Event]struct{}{}}
}

func (h *feedHub) subscribe() chan importer.Event {
	ch := make(chan importer.Event, feedBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *feedHub) unsubscribe(ch chan importer.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *feedHub) publish(event importer.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	// We never expect client messages; CloseRead surfaces disconnects as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	events := s.feed.subscribe()
	defer s.feed.unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
