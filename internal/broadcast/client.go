package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 << 20
)

// Client is one WebSocket connection of one user to one session.
type Client struct {
	sessionID string
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(sessionID, userID string, conn *websocket.Conn, buffer int) *Client {
	if buffer < 1 {
		buffer = 64
	}
	return &Client{
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// kick makes the write pump flush what is queued, send a close frame and
// stop. The read pump then fails and the connection is torn down.
func (c *Client) kick() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("user_id", c.userID).Msg("websocket write failed")
				c.kick()
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.send:
					if err := c.write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.kick()
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
