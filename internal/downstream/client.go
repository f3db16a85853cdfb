package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tickmux/internal/buffer"
	"github.com/rickgao/tickmux/internal/model"
)

// drainBatch bounds how many events the write pump sends before it checks
// for replies again.
const drainBatch = 64

// client is one consumer connection. It implements fanout.Sink.
type client struct {
	id     model.ConsumerID
	server *Server
	conn   *websocket.Conn

	events  *buffer.Ring[model.Event]
	replies chan Reply

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:      model.NewConsumerID(),
		server:  s,
		conn:    conn,
		events:  buffer.NewRing[model.Event](s.cfg.QueueSize),
		replies: make(chan Reply, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the consumer id.
func (c *client) ID() model.ConsumerID {
	return c.id
}

// Deliver queues ev for the write pump. It never blocks.
func (c *client) Deliver(ev model.Event) bool {
	ok := c.events.Push(ev)
	if !ok {
		c.server.eventsDropped.Add(1)
	}
	return ok
}

// run starts the write pump and runs the read pump until the connection ends.
func (c *client) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump()
	c.close()
	wg.Wait()
}

// close tears the connection down; both pumps exit.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.events.Close()
		c.conn.Close()
	})
}

// readPump reads commands until the connection fails.
func (c *client) readPump() {
	cfg := c.server.cfg
	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("consumer read error", "consumer", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		reply := c.server.handleCommand(c.ctx, c, data)
		select {
		case c.replies <- reply:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump sends replies, events and pings. Pending replies always go
// before queued events.
func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		// Replies first.
		select {
		case r := <-c.replies:
			if err := c.write(r); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			c.closeFrame()
			return

		case r := <-c.replies:
			if err := c.write(r); err != nil {
				return
			}

		case <-c.events.Ready():
			if err := c.flushEvents(); err != nil {
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.server.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// flushEvents sends one batch of queued events. Leftovers re-arm Ready.
func (c *client) flushEvents() error {
	for _, ev := range c.events.DrainTo(drainBatch) {
		if err := c.write(ev); err != nil {
			return err
		}
		c.server.eventsSent.Add(1)
	}
	return nil
}

func (c *client) write(v any) error {
	if c.server.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *client) closeFrame() {
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// decodeCommand parses a command. A missing action is an error.
func decodeCommand(data []byte) (Command, error) {
	var cmd Command
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	if cmd.Action == "" {
		return Command{}, errors.New("action is required")
	}
	return cmd, nil
}
