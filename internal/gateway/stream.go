package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxReplayEvents = 64

// streamFrame is one message pushed to a WS client.
type streamFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams bus events to the client as JSON frames. The optional
// `topics` query param narrows the stream to a topic prefix ("task.",
// "job.", ...); `task_id` replays that task's event history before live
// events start flowing.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_BUS", "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: client connected")
	defer func() {
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before replay so no live event falls in the gap.
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topics"))
	defer s.cfg.Bus.Unsubscribe(sub)

	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		if err := s.replayTaskEvents(ctx, conn, taskID); err != nil {
			return
		}
	}

	// Drain client frames so pings are answered and closure is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, streamFrame{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				s.logger.Error("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func (s *Server) replayTaskEvents(ctx context.Context, conn *websocket.Conn, taskID string) error {
	events, err := s.cfg.Store.ListTaskEvents(ctx, taskID)
	if err != nil {
		return err
	}
	if len(events) > maxReplayEvents {
		events = events[len(events)-maxReplayEvents:]
	}
	for _, te := range events {
		if err := wsjson.Write(ctx, conn, streamFrame{Topic: "task.replay", Payload: te}); err != nil {
			return err
		}
	}
	return nil
}
