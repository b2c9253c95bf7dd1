package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"hfpd/hfp"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 64
)

// envelope is one notification on the event stream.
type envelope struct {
	Type   string           `json:"type"`
	Device hfp.Device       `json:"device,omitempty"`
	Event  hfp.Notification `json:"event"`
}

func eventType(n hfp.Notification) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", n), "hfp.")
}

// streamEvents upgrades to a websocket and relays notifications until the
// peer goes away. A device query parameter filters the stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	filter := hfp.Device(r.URL.Query().Get("device"))
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.o.Events.Subscribe(eventBuffer)
	defer cancel()

	// The reader only detects the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Info("event stream opened")
	defer log.Info("event stream closed")

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}
			n, ok := ev.(hfp.Notification)
			if !ok || (filter != "" && n.Source() != filter) {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(envelope{Type: eventType(n), Device: n.Source(), Event: n}); err != nil {
				log.WithError(err).Debug("event write failed")
				return
			}
		}
	}
}
