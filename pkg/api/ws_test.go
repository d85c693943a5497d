package api

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/veorc/veorc/pkg/statestore"
)

func newTestStoreForWS(t *testing.T) *statestore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state.db")
	store, err := statestore.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// collectMessages reads exactly n messages off ch, failing the test if
// they don't arrive within the timeout.
func collectMessages(t *testing.T, ch chan wsMessage, n int) []wsMessage {
	t.Helper()
	var got []wsMessage
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case msg := <-ch:
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("timed out waiting for %d messages, got %d: %+v", n, len(got), got)
		}
	}
	return got
}

func TestHubEmitsAttentionAddedOnTransitionIn(t *testing.T) {
	store := newTestStoreForWS(t)
	h := newHub(nil)
	events, unsub := store.Subscribe()
	defer unsub()
	go h.forward(events)

	ch := make(chan wsMessage, 8)
	h.mu.Lock()
	h.clients[nil] = ch
	h.mu.Unlock()

	if _, err := store.CreateWorkUnit(t.Context(), "flagged", 0); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}
	reason := "ambiguous requirement"
	if _, err := store.UpdateWorkUnit(t.Context(), "flagged", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusNeedsAttention
		w.AttentionReason = &reason
		return nil
	}); err != nil {
		t.Fatalf("UpdateWorkUnit: %v", err)
	}

	msgs := collectMessages(t, ch, 2)
	if msgs[0].Type != "work_unit_update" {
		t.Fatalf("first message type = %q, want work_unit_update", msgs[0].Type)
	}
	if msgs[1].Type != "attention_update" {
		t.Fatalf("second message type = %q, want attention_update", msgs[1].Type)
	}
	payload, ok := msgs[1].Data.(attentionUpdatePayload)
	if !ok {
		t.Fatalf("attention_update payload has type %T", msgs[1].Data)
	}
	if payload.Action != "added" || payload.Chunk != "flagged" || payload.Reason == nil || *payload.Reason != reason {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestHubEmitsAttentionResolvedOnTransitionOut(t *testing.T) {
	store := newTestStoreForWS(t)
	h := newHub(nil)
	events, unsub := store.Subscribe()
	defer unsub()
	go h.forward(events)

	ch := make(chan wsMessage, 8)
	h.mu.Lock()
	h.clients[nil] = ch
	h.mu.Unlock()

	if _, err := store.CreateWorkUnit(t.Context(), "flagged2", 0); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}
	reason := "ambiguous requirement"
	if _, err := store.UpdateWorkUnit(t.Context(), "flagged2", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusNeedsAttention
		w.AttentionReason = &reason
		return nil
	}); err != nil {
		t.Fatalf("UpdateWorkUnit (into attention): %v", err)
	}
	collectMessages(t, ch, 2) // work_unit_update + attention_update:added

	if _, err := store.UpdateWorkUnit(t.Context(), "flagged2", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusReady
		w.AttentionReason = nil
		return nil
	}); err != nil {
		t.Fatalf("UpdateWorkUnit (out of attention): %v", err)
	}

	msgs := collectMessages(t, ch, 2)
	if msgs[1].Type != "attention_update" {
		t.Fatalf("second message type = %q, want attention_update", msgs[1].Type)
	}
	payload, ok := msgs[1].Data.(attentionUpdatePayload)
	if !ok {
		t.Fatalf("attention_update payload has type %T", msgs[1].Data)
	}
	if payload.Action != "resolved" || payload.Chunk != "flagged2" || payload.Reason != nil {
		t.Errorf("unexpected payload: %+v", payload)
	}
}
