package web

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout  = 10 * time.Second
	idleTimeout   = 60 * time.Second
	pingEvery     = idleTimeout * 9 / 10
	maxFrameBytes = 8192
	peerQueue     = 64
)

// peer is one websocket connection to an approval front-end.
type peer struct {
	id     string
	conn   *websocket.Conn
	send   chan *WebMessage
	server *Server
}

func newPeer(conn *websocket.Conn, server *Server) *peer {
	return &peer{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan *WebMessage, peerQueue),
		server: server,
	}
}

// readLoop decodes approval responses until the connection fails.
func (p *peer) readLoop() {
	defer func() {
		p.server.hub.remove(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFrameBytes)
	extend := func(string) error { return p.conn.SetReadDeadline(time.Now().Add(idleTimeout)) }
	_ = extend("")
	p.conn.SetPongHandler(extend)

	for {
		var msg WebMessage
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				p.server.log.Warn("peer %s: %v", p.id, err)
			}
			return
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			p.reply(&WebMessage{Type: MessageTypeError, Error: "malformed message"})
			continue
		}
		p.handle(&msg)
	}
}

// writeLoop drains the send queue and keeps the connection alive with
// pings. A closed queue ends the connection.
func (p *peer) writeLoop() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteJSON(msg); err != nil {
				p.server.log.Warn("peer %s: write: %v", p.id, err)
				return
			}
		case <-ping.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) handle(msg *WebMessage) {
	if msg.Type != MessageTypeApprovalResponse {
		p.reply(&WebMessage{Type: MessageTypeError, Error: "unsupported message type " + msg.Type})
		return
	}
	if msg.CallID == "" || msg.Approved == nil {
		p.reply(&WebMessage{Type: MessageTypeError, Error: "approval_response needs call_id and approved"})
		return
	}
	if !p.server.resolve(msg.CallID, *msg.Approved, "") {
		p.reply(&WebMessage{Type: MessageTypeError, CallID: msg.CallID, Error: "no pending approval with that id"})
	}
}

func (p *peer) reply(msg *WebMessage) {
	msg.Timestamp = time.Now()
	if !p.server.hub.push(p, msg) {
		p.server.log.Debug("peer %s: dropped %s", p.id, msg.Type)
	}
}
