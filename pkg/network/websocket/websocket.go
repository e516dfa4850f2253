package websocket

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cloudrig/cloudrig/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 10 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
)

type WS struct {
	conn     deadlinedConn
	send     chan []byte
	isServer bool

	OnMessage MessageHandler

	once     sync.Once
	shutdown sync.WaitGroup
	done     chan struct{}
	log      *logger.Logger
}

type MessageHandler func(message []byte, err error)

type Upgrader struct {
	websocket.Upgrader
}

var DefaultUpgrader = Upgrader{
	Upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteBufferPool: &sync.Pool{},
	},
}

// NewUpgrader creates an upgrader that accepts only the given origin,
// or any origin when the param is *.
func NewUpgrader(origin string) *Upgrader {
	u := DefaultUpgrader
	switch origin {
	case "":
	case "*":
		u.CheckOrigin = func(r *http.Request) bool { return true }
	default:
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return &u
}

// NewServerWithConn wraps an already upgraded connection.
// Server sockets keep the peer alive with the ping/pong exchange.
func NewServerWithConn(conn *websocket.Conn, log *logger.Logger) (*WS, error) {
	return newSocket(conn, true, log), nil
}

func NewClient(address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, isServer bool, log *logger.Logger) *WS {
	return &WS{
		conn:     deadlinedConn{sock: conn, wt: writeWait},
		send:     make(chan []byte, 32),
		isServer: isServer,
		done:     make(chan struct{}, 1),
		log:      log,
	}
}

func (ws *WS) IsServer() bool { return ws.isServer }

// Listen spawns the read/write pumps and returns the socket termination channel.
func (ws *WS) Listen() chan struct{} {
	ws.shutdown.Add(2)
	go ws.writer()
	go ws.reader()
	return ws.done
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		close(ws.send)
		ws.shutdown.Done()
		ws.close()
	}()
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.isServer {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(pongTime)); return nil })
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Debug().Err(err).Msg("socket read fail")
			}
			return
		}
		if ws.OnMessage != nil {
			ws.OnMessage(message, err)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Serializes all websocket writes.
func (ws *WS) writer() {
	var ticker *time.Ticker
	var ping <-chan time.Time
	if ws.isServer {
		ticker = time.NewTicker(pingTime)
		ping = ticker.C
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		_ = ws.conn.close() // unblocks the reader
		ws.shutdown.Done()
		ws.close()
	}()
	for {
		select {
		case message, ok := <-ws.send:
			if !ok {
				_ = ws.conn.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ping:
			if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *WS) Write(data []byte) {
	defer func() { recover() }() // drop writes into a closed socket
	ws.send <- data
}

func (ws *WS) Close() {
	_ = ws.conn.write(websocket.CloseMessage, []byte{})
	_ = ws.conn.close()
}

func (ws *WS) close() {
	ws.once.Do(func() {
		go func() {
			ws.shutdown.Wait()
			_ = ws.conn.close()
			ws.done <- struct{}{}
		}()
	})
}
