package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jmolenaartje/Factobox/internal/broadcast"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// ============================================================================
// Observer protocol over WebSocket
// ============================================================================
//
// Client -> core:
//   {"action":"buildTower","resources":["Red","Green","Blue"]}
//   {"action":"buildTower","blocks":["Red","Green","Blue"]}
//   {"action":"buildTower","tower":{"block1":"Red","block2":"Green","block3":"Blue"}}
//
// Core -> client:
//   the full snapshot, on connect and after every change
//   {"error":"...","action":"..."} to the sender only, for a rejected message
//
// ============================================================================

const (
	actionBuildTower = "buildTower"

	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
)

var errUnknownAction = errors.New("unknown action")

type clientMessage struct {
	Action    string     `json:"action"`
	Resources []string   `json:"resources"`
	Blocks    []string   `json:"blocks"`
	Tower     *towerSpec `json:"tower"`
}

type towerSpec struct {
	Block1 string `json:"block1"`
	Block2 string `json:"block2"`
	Block3 string `json:"block3"`
}

type errorReply struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
}

// names returns the requested shape, whichever key the client used.
func (m clientMessage) names() []string {
	switch {
	case m.Resources != nil:
		return m.Resources
	case m.Blocks != nil:
		return m.Blocks
	case m.Tower != nil:
		return []string{m.Tower.Block1, m.Tower.Block2, m.Tower.Block3}
	}
	return nil
}

// decodeClientMessage parses one frame into the shape it asks for.
func decodeClientMessage(raw []byte) (clientMessage, []string, error) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, nil, fmt.Errorf("%w: malformed message: %v", types.ErrInvalidShape, err)
	}
	if !strings.EqualFold(msg.Action, actionBuildTower) {
		return msg, nil, fmt.Errorf("%w %q", errUnknownAction, msg.Action)
	}
	names := msg.names()
	if names == nil {
		return msg, nil, fmt.Errorf("%w: no resources given", types.ErrInvalidShape)
	}
	return msg, names, nil
}

// ============================================================================
// Connection
// ============================================================================

type wsConn struct {
	conn     *websocket.Conn
	observer *broadcast.ChanObserver
	replies  chan errorReply
	closed   chan struct{}
	once     sync.Once
	timeout  time.Duration
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsConn{
		conn:     conn,
		observer: broadcast.NewChanObserver(s.cfg.ObserverBuffer),
		replies:  make(chan errorReply, 8),
		closed:   make(chan struct{}),
		timeout:  s.cfg.WriteTimeout,
	}
	if err := s.coord.Register(c.observer); err != nil {
		log.Warn("Observer registration failed", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}
	log.Info("Observer connected", "observer", c.observer.ID(), "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop(s.coord)

	s.coord.Unregister(c.observer.ID())
	c.shutdown()
	log.Info("Observer disconnected", "observer", c.observer.ID())
}

func (c *wsConn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *wsConn) readLoop(coord Coordinator) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Observer read failed", "observer", c.observer.ID(), "error", err)
			}
			return
		}
		c.handleMessage(coord, raw)
	}
}

func (c *wsConn) handleMessage(coord Coordinator, raw []byte) {
	msg, names, err := decodeClientMessage(raw)
	if err == nil {
		var build types.BuildRequest
		build, err = coord.SubmitNames(names)
		if err == nil {
			log.Info("Build submitted by observer", "observer", c.observer.ID(), "id", build.ID)
			return
		}
	}

	log.Warn("Observer message rejected", "observer", c.observer.ID(), "error", err)
	select {
	case c.replies <- errorReply{Error: err.Error(), Action: msg.Action}:
	default:
		log.Warn("Dropping error reply for busy observer", "observer", c.observer.ID())
	}
}

// writeLoop is the only goroutine that writes to the socket.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case snap := <-c.observer.C():
			if err := c.write(snap); err != nil {
				log.Warn("Observer write failed", "observer", c.observer.ID(), "error", err)
				return
			}

		case reply := <-c.replies:
			if err := c.write(reply); err != nil {
				log.Warn("Observer write failed", "observer", c.observer.ID(), "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.observer.Done():
			// Dropped by the broadcaster, usually for falling behind.
			c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "observer too slow"))
			return

		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) write(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(v)
}
