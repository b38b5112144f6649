package provider

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// socketWriter serializes writes to a Socket. Reads stay on the supervisor
// goroutine, but the heartbeat and the document update handler both write.
type socketWriter struct {
	conn Socket

	mu sync.Mutex
}

func (s *socketWriter) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(data)
}

func (s *socketWriter) Close() error {
	return s.conn.Close()
}

// gorillaSocket adapts a gorilla connection to the binary-frame Socket.
type gorillaSocket struct {
	conn *websocket.Conn
}

func (g *gorillaSocket) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaSocket) WriteMessage(data []byte) error {
	return g.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (g *gorillaSocket) Close() error {
	return g.conn.Close()
}

// gorillaDialer is the default production Dialer.
func gorillaDialer(ctx context.Context, rawURL string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaSocket{conn: conn}, nil
}
