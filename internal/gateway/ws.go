package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the frame pushed to websocket clients for every bus event.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
	At      int64  `json:"at"` // unix milliseconds
}

// handleWS streams bus events (presence, queue, delivery, link) to the UI.
// The subscription is per-connection; slow clients miss events rather than
// block the publishers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := wsEvent{Topic: ev.Topic, Payload: ev.Payload, At: time.Now().UnixMilli()}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}
