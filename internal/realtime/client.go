package realtime

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Client control messages.
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
	ControlPing        = "ping"

	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPong         = "pong"
	EventError        = "error"
)

// ControlMessage is sent by dashboard clients.
type ControlMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client bridges one websocket connection and the hub. A client may only
// subscribe to the project its credentials belong to.
type Client struct {
	id        string
	projectID string
	hub       *Hub
	conn      *websocket.Conn
	messages  <-chan Message

	// control replies written alongside hub messages
	replies chan Message
	closed  atomic.Bool
}

// ServeWS upgrades the request and runs the connection until it closes.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, projectID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	messages, err := hub.Register(id)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c := &Client{
		id:        id,
		projectID: projectID,
		hub:       hub,
		conn:      conn,
		messages:  messages,
		replies:   make(chan Message, 8),
	}
	logging.Info().Str("subscriber", id).Str("project_id", projectID).Msg("websocket client connected")

	go c.writePump()
	c.readPump()
	return nil
}

func (c *Client) reply(m Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.replies <- m:
	default:
	}
}

func (c *Client) handle(msg ControlMessage) {
	project := strings.TrimSpace(msg.ProjectID)
	if project == "" {
		project = c.projectID
	}

	switch msg.Type {
	case ControlSubscribe:
		if project != c.projectID {
			c.reply(Message{Event: EventError, ProjectID: project, Data: "not authorized for project"})
			return
		}
		if err := c.hub.Join(c.id, project); err != nil {
			c.reply(Message{Event: EventError, ProjectID: project, Data: err.Error()})
			return
		}
		logging.Debug().Str("subscriber", c.id).Str("project_id", project).Msg("subscribed")
		c.reply(Message{Event: EventSubscribed, ProjectID: project})
	case ControlUnsubscribe:
		c.hub.Leave(c.id, project)
		c.reply(Message{Event: EventUnsubscribed, ProjectID: project})
	case ControlPing:
		c.reply(Message{Event: EventPong})
	default:
		c.reply(Message{Event: EventError, Data: "unknown message type"})
	}
}

func (c *Client) readPump() {
	defer func() {
		c.closed.Store(true)
		c.hub.Unregister(c.id)
		_ = c.conn.Close()
		logging.Info().Str("subscriber", c.id).Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("subscriber", c.id).Msg("unexpected websocket close")
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(Message{Event: EventError, Data: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) write(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.messages:
			if !ok {
				// Dropped by the hub or hub shutdown.
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.write(m); err != nil {
				return
			}
		case m := <-c.replies:
			if err := c.write(m); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
