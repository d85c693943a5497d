package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/veorc/veorc/pkg/statestore"
)

// wsMessage is the envelope every /ws frame uses: an "initial_state"
// snapshot on connect, then "work_unit_update" and "attention_update"
// deltas as the store's pub/sub feed fires.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type initialStatePayload struct {
	WorkUnits      []*statestore.WorkUnit       `json:"work_units"`
	AttentionItems []statestore.AttentionItem   `json:"attention_items"`
}

// hub fans store events out to every connected WebSocket client via a
// per-connection upgrade-then-stream loop, broadcasting every
// subscriber's state-change feed.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan wsMessage
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: make(map[*websocket.Conn]chan wsMessage)}
}

func (h *hub) add(conn *websocket.Conn) chan wsMessage {
	ch := make(chan wsMessage, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			if h.logger != nil {
				h.logger.Warn("api: dropping ws message, client channel full")
			}
			_ = conn
		}
	}
}

// attentionUpdatePayload is the attention_update frame: "added" when a
// unit enters NEEDS_ATTENTION (reason set), "resolved" when it leaves
// (reason omitted).
type attentionUpdatePayload struct {
	Action string  `json:"action"`
	Chunk  string  `json:"chunk"`
	Reason *string `json:"reason,omitempty"`
}

// run subscribes to the store's event feed and forwards it for the
// lifetime of the process. Subscribing and consuming are split into two
// steps (subscribe, then forward) so callers that need the subscription
// registered before they start producing events can do so deterministically.
func (h *hub) run(store *statestore.Store) {
	events, unsub := store.Subscribe()
	defer unsub()
	h.forward(events)
}

// forward translates each Event off events into a work_unit_update
// broadcast. Deleted work units carry Status "DELETED" (no WorkUnit to
// attach), so the payload surfaces the event fields directly rather than
// a re-fetched unit. A transition into or out of NEEDS_ATTENTION
// additionally fans out a single attention_update frame.
func (h *hub) forward(events <-chan statestore.Event) {
	for ev := range events {
		h.broadcast(wsMessage{Type: "work_unit_update", Data: ev})

		enteredAttention := ev.Status == statestore.StatusNeedsAttention && ev.OldStatus != statestore.StatusNeedsAttention
		leftAttention := ev.OldStatus == statestore.StatusNeedsAttention && ev.Status != statestore.StatusNeedsAttention
		switch {
		case enteredAttention:
			h.broadcast(wsMessage{Type: "attention_update", Data: attentionUpdatePayload{
				Action: "added",
				Chunk:  ev.Chunk,
				Reason: ev.AttentionReason,
			}})
		case leftAttention:
			h.broadcast(wsMessage{Type: "attention_update", Data: attentionUpdatePayload{
				Action: "resolved",
				Chunk:  ev.Chunk,
			}})
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("api: websocket upgrade failed", "error", err)
		}
		return
	}
	defer conn.Close()

	ctx := r.Context()
	units, err := s.Store.ListWorkUnits(ctx, "")
	if err != nil {
		return
	}
	items, err := s.Store.AttentionQueue(ctx)
	if err != nil {
		return
	}
	if err := conn.WriteJSON(wsMessage{
		Type: "initial_state",
		Data: initialStatePayload{WorkUnits: units, AttentionItems: items},
	}); err != nil {
		return
	}

	ch := s.hub.add(conn)
	defer s.hub.remove(conn)

	// Drain client reads in the background so a closed/broken connection
	// is detected promptly; the dashboard's WS client sends no messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
