package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/domain"
	"github.com/arjn/fieldlink/internal/protocol"
)

func (ctl *Controller) writePump(c *wsConn) {
	ping := time.NewTicker(ctl.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump consumes frames until the connection dies. The first frame must
// be a join registering the endpoint; everything after goes through the
// coordinator. Malformed frames are dropped with a diagnostic, the
// connection stays up.
func (ctl *Controller) readPump(c *wsConn) {
	var id domain.EndpointID
	joined := false

	defer func() {
		log.Info().Str("module", "signal").Str("endpoint", string(id)).Msg("readPump closing")
		if joined {
			ctl.Coord.OnDisconnect(c)
		}
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(joinDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * ctl.PingPeriod))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signal").Str("endpoint", string(id)).Msg("readPump read error")
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("endpoint", string(id)).Msg("malformed envelope dropped")
			continue
		}

		if !joined {
			if env.Kind != protocol.KindJoin {
				log.Warn().Str("module", "signal").Str("kind", string(env.Kind)).Msg("frame before join dropped")
				continue
			}
			eid, err := domain.ParseEndpointID(env.From)
			if err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("bad join id, closing")
				return
			}
			id = eid
			joined = true
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * ctl.PingPeriod))
			ctl.Coord.OnJoin(id, c)
			continue
		}

		if env.Kind == protocol.KindJoin {
			// Re-join on a live connection is a no-op beyond refreshing
			// the binding.
			ctl.Coord.OnJoin(id, c)
			continue
		}
		ctl.Coord.HandleEnvelope(id, env)
	}
}
