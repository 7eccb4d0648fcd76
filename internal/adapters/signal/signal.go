// Package signal is the websocket transport adapter of the relay. It owns
// connection lifecycle (pumps, deadlines, backpressure) and hands validated
// envelopes to the coordinator; it never touches call state itself.
package signal

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/app"
	"github.com/arjn/fieldlink/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// joinDeadline bounds how long a fresh connection may stall before its
// first frame, which must be a join.
const joinDeadline = 10 * time.Second

type Controller struct {
	Coord      *app.Coordinator
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(coord *app.Coordinator, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{Coord: coord, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection pumps. The
// endpoint identifier arrives in the first frame (join), not in the URL, so
// registration happens inside the read loop.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("remote", ws.RemoteAddr().String()).Msg("new WS connection")

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	go ctl.writePump(conn)
	go ctl.readPump(conn)
}
