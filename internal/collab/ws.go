package collab

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 20 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeRoom upgrades the request to a websocket, joins the peer and runs the
// connection's pumps. The caller has already authenticated the peer and
// checked read access on the document.
func ServeRoom(w http.ResponseWriter, req *http.Request, room *Room, peer *Peer) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}

	if err := room.Join(peer); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"),
			time.Now().Add(writeWait))
		conn.Close()
		return err
	}

	go writePump(conn, peer)
	go readPump(conn, room, peer)
	return nil
}

func readPump(conn *websocket.Conn, room *Room, p *Peer) {
	defer func() {
		room.Leave(p.ConnID)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		room.Heartbeat(p.ConnID)
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("collab: room %s read error from %s: %v", room.DocumentID, p.UserID, err)
			}
			break
		}

		var frame Envelope
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case EventOp:
			if frame.Op != nil {
				room.SubmitOperation(p.ConnID, *frame.Op)
			}
		case EventPresence:
			var cursor json.RawMessage
			if frame.Presence != nil {
				cursor = frame.Presence.Cursor
			}
			room.UpdatePresence(p.ConnID, cursor)
		}
	}
}

func writePump(conn *websocket.Conn, p *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
