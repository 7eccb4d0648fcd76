package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/protocol"
)

// wsTransport is the client side of the relay websocket.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(env protocol.Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *wsTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.Close()
}

// Connect dials the relay, joins under the driver's identifier and runs the
// read loop until ctx is done or the connection drops.
func (d *Driver) Connect(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	tr := &wsTransport{conn: conn}
	d.Bind(tr)

	if err := tr.Send(protocol.Envelope{Kind: protocol.KindJoin, From: string(d.id)}); err != nil {
		tr.close()
		return fmt.Errorf("join: %w", err)
	}
	log.Info().Str("module", "driver").Str("endpoint", string(d.id)).Str("relay", url).Msg("joined relay")

	go func() {
		<-ctx.Done()
		tr.close()
	}()

	defer func() {
		d.EndCall()
		tr.close()
	}()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay read: %w", err)
		}
		env, err := protocol.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "driver").Msg("malformed envelope from relay")
			continue
		}
		d.HandleEnvelope(ctx, env)
	}
}
