package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/warp/token-ledger/notify"
	"github.com/warp/token-ledger/subscription"
)

const (
	// eventBuffer bounds the events queued for one slow client; a client
	// that falls further behind is disconnected and must reconnect.
	eventBuffer = 64

	heartbeatInterval = 15 * time.Second
)

type sseEvent struct {
	name string
	data any
}

// Events streams the account's notification state as server-sent events.
// The current state is sent first, then every change.
// GET /api/accounts/{account}/events
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// the server's WriteTimeout would otherwise end the stream
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx := r.Context()
	accountID := accountParam(r)

	events := make(chan sseEvent, eventBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	push := func(name string, data any) {
		select {
		case events <- sseEvent{name: name, data: data}:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	unsubscribe := h.hub.Subscribe(ctx, accountID, subscription.Callbacks{
		OnNotifications: func(ns []notify.Notification) { push("notifications", toNotificationDTOs(ns)) },
		OnStatus:        func(s subscription.Status) { push("status", toStatusDTO(s)) },
		OnPreferences:   func(p notify.Preferences) { push("preferences", toPreferencesDTO(p)) },
		OnLoading:       func(b bool) { push("loading", map[string]bool{"loading": b}) },
		OnError: func(error) {
			push("error", ErrorResponse{Error: "internal", Message: "failed to load notifications"})
		},
	})
	defer unsubscribe()

	log := h.log.WithField("account_id", accountID)
	log.Debug("event stream opened")
	defer log.Debug("event stream closed")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			log.Warn("event stream client too slow, disconnecting")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev sseEvent) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	return err
}
