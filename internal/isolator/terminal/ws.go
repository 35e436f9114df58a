package terminal

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsClient adapts a websocket connection to the Client interface. Gorilla
// connections allow one concurrent writer, so sends are serialized here.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebsocketClient wraps an upgraded connection.
func NewWebsocketClient(conn *websocket.Conn) Client {
	return &wsClient{conn: conn}
}

func (c *wsClient) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsClient) Receive() (Frame, error) {
	var frame Frame
	err := c.conn.ReadJSON(&frame)
	return frame, err
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}
