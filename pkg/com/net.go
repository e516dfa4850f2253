package com

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cloudrig/cloudrig/pkg/logger"
	"github.com/cloudrig/cloudrig/pkg/network/websocket"
	"github.com/goccy/go-json"
)

// In is a wire packet going from a peer into the application.
// The payload is kept raw for a second unmarshal pass by type.
type In struct {
	Id      Uid             `json:"id,omitempty"`
	T       uint8           `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// Out is a wire packet going from the application to a peer.
type Out struct {
	// string because omitempty won't work as intended with arrays
	Id      string `json:"id,omitempty"`
	T       uint8  `json:"t"`
	Payload any    `json:"p,omitempty"`
}

type (
	Connector struct {
		tag string
		wu  *websocket.Upgrader
	}
	// Client is a websocket peer with an async message stream and
	// an optional blocking request/response exchange correlated by packet ids.
	Client struct {
		id       Uid
		conn     *websocket.WS
		queue    Map[Uid, *call]
		onPacket func(packet In)
		log      *logger.Logger
		mu       sync.Mutex
	}
	call struct {
		done     chan struct{}
		err      error
		Response In
	}
	Option = func(c *Connector)
)

var (
	errConnClosed = errors.New("connection closed")
	errTimeout    = errors.New("timeout")
)

var outPool = sync.Pool{New: func() any { o := Out{}; return &o }}

const callTimeout = 5 * time.Second

func WithOrigin(origin string) Option {
	return func(c *Connector) { c.wu = websocket.NewUpgrader(origin) }
}
func WithTag(tag string) Option { return func(c *Connector) { c.tag = tag } }

func NewConnector(opts ...Option) *Connector {
	c := &Connector{}
	for _, opt := range opts {
		opt(c)
	}
	if c.wu == nil {
		c.wu = &websocket.DefaultUpgrader
	}
	return c
}

// NewServer upgrades an HTTP request to a websocket peer.
func (co *Connector) NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*Client, error) {
	ws, err := co.wu.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn, err := websocket.NewServerWithConn(ws, log)
	if err != nil {
		return nil, err
	}
	return connect(conn, NewUid(), co.tag, log)
}

func (co *Connector) NewClient(address url.URL, log *logger.Logger) (*Client, error) {
	conn, err := websocket.NewClient(address, log)
	if err != nil {
		return nil, err
	}
	return connect(conn, NewUid(), co.tag, log)
}

func connect(conn *websocket.WS, id Uid, tag string, log *logger.Logger) (*Client, error) {
	dir := "→"
	if conn.IsServer() {
		dir = "←"
	}
	cl := log.Extend(log.With().
		Str("cid", id.Short()).
		Str(logger.DirectionField, dir))
	if tag != "" {
		cl = cl.Extend(cl.With().Str("s", tag))
	}
	cl.Debug().Msg("Connect")
	client := &Client{id: id, conn: conn, queue: NewMap[Uid, *call](), log: cl}
	client.conn.OnMessage = client.handleMessage
	return client, nil
}

func (c *Client) Id() Uid                { return c.id }
func (c *Client) String() string         { return c.id.String() }
func (c *Client) IsServer() bool         { return c.conn.IsServer() }
func (c *Client) Listen() chan struct{}  { return c.conn.Listen() }
func (c *Client) Log() *logger.Logger    { return c.log }
func (c *Client) OnPacket(fn func(packet In)) {
	c.mu.Lock()
	c.onPacket = fn
	c.mu.Unlock()
}

func (c *Client) Disconnect() {
	c.conn.Close()
	c.drain(errConnClosed)
	c.log.Debug().Str(logger.DirectionField, "x").Msg("Close")
}

// Call makes a blocking request and waits for the peer response
// or the timeout, whichever comes first.
func (c *Client) Call(t uint8, payload any) ([]byte, error) {
	id := NewUid()
	rq := outPool.Get().(*Out)
	rq.Id, rq.T, rq.Payload = id.String(), t, payload
	r, err := json.Marshal(rq)
	outPool.Put(rq)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("ᵇ%v", t)

	task := &call{done: make(chan struct{})}
	c.queue.Put(id, task)
	c.mu.Lock()
	c.conn.Write(r)
	c.mu.Unlock()
	select {
	case <-task.done:
	case <-time.After(callTimeout):
		task.err = errTimeout
	}
	return task.Response.Payload, task.err
}

// Notify just sends a message and goes further.
func (c *Client) Notify(t uint8, payload any) {
	rq := outPool.Get().(*Out)
	rq.Id, rq.T, rq.Payload = "", t, payload
	defer outPool.Put(rq)
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("%v", t)
	_ = c.send(rq)
}

// Route replies to the in packet preserving its id for the caller-side correlation.
func (c *Client) Route(in In, payload any) {
	rq := outPool.Get().(*Out)
	rq.Id, rq.T, rq.Payload = in.Id.String(), in.T, payload
	defer outPool.Put(rq)
	_ = c.send(rq)
}

func (c *Client) send(packet *Out) error {
	r, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn.Write(r)
	c.mu.Unlock()
	return nil
}

func (c *Client) handleMessage(message []byte, err error) {
	if err != nil {
		return
	}

	var res In
	if err = json.Unmarshal(message, &res); err != nil {
		c.log.Error().Err(err).Msg("malformed packet")
		return
	}

	// empty id implies that we won't track (wait) the response
	if !res.Id.IsEmpty() {
		if task := c.pop(res.Id); task != nil {
			task.Response = res
			close(task.done)
			return
		}
	}
	c.mu.Lock()
	fn := c.onPacket
	c.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// pop extracts and removes a task from the queue by its id.
func (c *Client) pop(id Uid) *call {
	task, _ := c.queue.Pop(id)
	return task
}

// drain cancels all what's left in the task queue.
func (c *Client) drain(err error) {
	c.queue.Drain(func(task *call) {
		if task.err == nil {
			task.err = err
		}
		close(task.done)
	})
}
