package firehose

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Source opens connections to the remote event log.
type Source interface {
	Connect(ctx context.Context, url string) (Stream, error)
}

// Stream yields raw frames in the order the remote log delivers them.
type Stream interface {
	// Next blocks until the next frame arrives or the connection fails.
	Next() ([]byte, error)
	Close() error
}

// WebsocketSource connects over a websocket. The connection is closed when the
// context passed to Connect ends, which unblocks a pending Next.
type WebsocketSource struct {
	Dialer *websocket.Dialer
}

// Connect implements Source.
func (s WebsocketSource) Connect(ctx context.Context, url string) (Stream, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial firehose: %w", err)
	}

	ws := &wsStream{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-ws.done:
		}
	}()
	return ws, nil
}

type wsStream struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (w *wsStream) Next() ([]byte, error) {
	for {
		typ, msg, err := w.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		if typ == websocket.BinaryMessage || typ == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (w *wsStream) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}
