package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin surface is same-trust; the dashboard may run anywhere.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// serveWS streams hub events. Query parameters:
//
//	channels  comma-separated channel names, empty for all
//	task_id   with after: replay that task's retained events first
//	after     last sequence number the client saw
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	var channels []string
	if raw := r.URL.Query().Get("channels"); raw != "" {
		channels = strings.Split(raw, ",")
	}
	taskID := r.URL.Query().Get("task_id")
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	// Subscribe before replay so no event falls between the two.
	sub := s.hub.Subscribe(channels...)
	defer s.hub.Unsubscribe(sub)

	if taskID != "" {
		for _, ev := range s.hub.Replay(taskID, after) {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			after = ev.Seq
		}
	}

	// Reader goroutine: consume control frames, detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				// Dropped as a slow consumer; tell the client why.
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer")
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				s.logger.Warn("websocket client dropped as slow consumer",
					zap.String("remote", r.RemoteAddr))
				return
			}
			// Skip replayed duplicates that raced the subscription.
			if taskID != "" && ev.TaskID == taskID && ev.Seq <= after {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
