// Package upstreamtest provides an in-process fake of the tick feed for
// tests: it accepts LOGIN, records REG and REMOVE commands, and lets a test
// push REAL and PING frames or drop the connection.
package upstreamtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tickmux/internal/model"
)

// ErrNoConnection is returned when a frame is pushed with no client attached.
var ErrNoConnection = errors.New("no feed connection")

// Command is a REG or REMOVE frame received by the feed.
type Command struct {
	Conn  int    // 1-based connection sequence number
	Trnm  string // "REG" or "REMOVE"
	Group string // grp_no as sent
	Items []string
	Types []string
}

type feedConn struct {
	id      int
	ws      *websocket.Conn
	writeMu sync.Mutex
	authed  bool
}

func (c *feedConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Feed is a fake upstream feed server.
type Feed struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	token      string
	rejectCode int
	rejectMsg  string
	refuse     bool
	silent     bool
	nextID     int
	conns      map[int]*feedConn
	commands   []Command
	logins     int
	dials      int
	echoes     int
	changed    chan struct{}
}

// NewFeed starts a fake feed on a local listener.
func NewFeed() *Feed {
	f := &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:   make(map[int]*feedConn),
		changed: make(chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// URL returns the ws:// address of the feed.
func (f *Feed) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// Close drops every connection and stops the server.
func (f *Feed) Close() {
	f.DropConnections()
	f.server.Close()
}

// SetToken makes the feed accept only token. Empty accepts any token.
func (f *Feed) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

// RejectLogins makes every LOGIN fail with code. Code 0 restores normal
// behaviour.
func (f *Feed) RejectLogins(code int, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectCode = code
	f.rejectMsg = msg
}

// RefuseConnections makes the handshake fail with 503 while refuse is true.
func (f *Feed) RefuseConnections(refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = refuse
}

// SilentLogin makes the feed swallow LOGIN frames without replying.
func (f *Feed) SilentLogin(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
}

// DropConnections closes every server-side connection without a close frame.
func (f *Feed) DropConnections() {
	f.mu.Lock()
	conns := make([]*feedConn, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// Connections returns the number of open connections.
func (f *Feed) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Dials returns how many handshakes were attempted, refused ones included.
func (f *Feed) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Logins returns how many LOGIN frames were accepted.
func (f *Feed) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// Echoes returns how many PING frames came back from the client.
func (f *Feed) Echoes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.echoes
}

// Commands returns every REG and REMOVE received, in order.
func (f *Feed) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// CommandsOn returns the commands received on connection id.
func (f *Feed) CommandsOn(id int) []Command {
	var out []Command
	for _, c := range f.Commands() {
		if c.Conn == id {
			out = append(out, c)
		}
	}
	return out
}

// LastConn returns the sequence number of the most recent connection.
func (f *Feed) LastConn() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

// Registered returns the groups currently registered on connection id,
// mapped to their item code.
func (f *Feed) Registered(id int) map[string]string {
	out := make(map[string]string)
	for _, c := range f.CommandsOn(id) {
		switch c.Trnm {
		case "REG":
			if len(c.Items) > 0 {
				out[c.Group] = c.Items[0]
			}
		case "REMOVE":
			delete(out, c.Group)
		}
	}
	return out
}

// Wait blocks until cond holds or timeout elapses. cond is re-evaluated
// whenever the feed observes a connection, login, command or echo.
func (f *Feed) Wait(timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		ch := f.changed
		f.mu.Unlock()

		if cond() {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			return cond()
		}
	}
}

// SendReal pushes a REAL frame with one item to every logged-in connection.
func (f *Feed) SendReal(group model.GroupID, item string, values map[string]string) error {
	frame := map[string]any{
		"trnm": "REAL",
		"data": []map[string]any{{
			"type":   "0B",
			"name":   "trade",
			"item":   item,
			"grp_no": group.String(),
			"values": values,
		}},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return f.SendRaw(data)
}

// SendPing pushes a PING frame.
func (f *Feed) SendPing() error {
	return f.SendRaw([]byte(`{"trnm":"PING"}`))
}

// SendRaw pushes data to every logged-in connection.
func (f *Feed) SendRaw(data []byte) error {
	f.mu.Lock()
	var targets []*feedConn
	for _, c := range f.conns {
		if c.authed {
			targets = append(targets, c)
		}
	}
	f.mu.Unlock()

	if len(targets) == 0 {
		return ErrNoConnection
	}
	for _, c := range targets {
		if err := c.write(data); err != nil {
			return err
		}
	}
	return nil
}

// notifyLocked wakes Wait callers. Caller must hold f.mu.
func (f *Feed) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Feed) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.dials++
	refuse := f.refuse
	f.notifyLocked()
	f.mu.Unlock()

	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.nextID++
	c := &feedConn{id: f.nextID, ws: ws}
	f.conns[c.id] = c
	f.notifyLocked()
	f.mu.Unlock()

	defer func() {
		ws.Close()
		f.mu.Lock()
		delete(f.conns, c.id)
		f.notifyLocked()
		f.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !f.handle(c, data) {
			return
		}
	}
}

type inbound struct {
	Trnm  string `json:"trnm"`
	Token string `json:"token"`
	GrpNo string `json:"grp_no"`
	Data  []struct {
		Item []string `json:"item"`
		Type []string `json:"type"`
	} `json:"data"`
}

// handle processes one client frame; false closes the connection.
func (f *Feed) handle(c *feedConn, data []byte) bool {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return true
	}

	switch msg.Trnm {
	case "LOGIN":
		f.mu.Lock()
		silent := f.silent
		code, text := f.rejectCode, f.rejectMsg
		if code == 0 && f.token != "" && msg.Token != f.token {
			code, text = 8005, "token is invalid"
		}
		if code == 0 && !silent {
			c.authed = true
			f.logins++
		}
		f.notifyLocked()
		f.mu.Unlock()

		if silent {
			return true
		}
		reply, _ := json.Marshal(map[string]any{
			"trnm":        "LOGIN",
			"return_code": code,
			"return_msg":  text,
		})
		c.write(reply)
		return code == 0

	case "REG", "REMOVE":
		cmd := Command{Conn: c.id, Trnm: msg.Trnm, Group: msg.GrpNo}
		for _, d := range msg.Data {
			cmd.Items = append(cmd.Items, d.Item...)
			cmd.Types = append(cmd.Types, d.Type...)
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.notifyLocked()
		f.mu.Unlock()

		ack, _ := json.Marshal(map[string]any{
			"trnm":        msg.Trnm,
			"return_code": 0,
			"return_msg":  "",
		})
		c.write(ack)

	case "PING":
		f.mu.Lock()
		f.echoes++
		f.notifyLocked()
		f.mu.Unlock()
	}
	return true
}
