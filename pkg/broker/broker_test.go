package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cloudrig/cloudrig/pkg/api"
	"github.com/cloudrig/cloudrig/pkg/com"
	"github.com/cloudrig/cloudrig/pkg/config"
	"github.com/cloudrig/cloudrig/pkg/logger"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(grace time.Duration) (*Broker, *httptest.Server) {
	log := logger.Default()
	b := &Broker{
		log:        log,
		hub:        NewHub(grace, log),
		providers:  com.NewConnector(com.WithTag("p")),
		requesters: com.NewConnector(com.WithTag("r")),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/provider", b.handleProviderConnection)
	mux.HandleFunc("/requester", b.handleRequesterConnection)
	return b, httptest.NewServer(mux)
}

// peerClient is a test-side websocket peer collecting incoming packets.
type peerClient struct {
	c  *com.Client
	mu sync.Mutex
	in []com.In
}

func dialPeer(t *testing.T, ts *httptest.Server, path string) *peerClient {
	t.Helper()
	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	addr := url.URL{Scheme: "ws", Host: base.Host, Path: path}
	conn, err := com.NewConnector().NewClient(addr, logger.Default())
	require.NoError(t, err)
	p := &peerClient{c: conn}
	conn.OnPacket(func(in com.In) {
		p.mu.Lock()
		p.in = append(p.in, in)
		p.mu.Unlock()
	})
	conn.Listen()
	t.Cleanup(conn.Disconnect)
	return p
}

// wait blocks until a packet of the given type arrives.
func (p *peerClient) wait(t *testing.T, pt api.PT) com.In {
	t.Helper()
	var got com.In
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, in := range p.in {
			if in.T == pt {
				got = in
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no %v packet", api.Name(pt))
	return got
}

func (p *peerClient) reset() {
	p.mu.Lock()
	p.in = nil
	p.mu.Unlock()
}

func TestBrokerSessionFlow(t *testing.T) {
	grace := 50 * time.Millisecond
	_, ts := newTestBroker(grace)
	defer ts.Close()

	provider := dialPeer(t, ts, "/provider")
	requester := dialPeer(t, ts, "/requester")

	conf := json.RawMessage(`{"image":"win11-gpu","region":"eu"}`)
	requester.c.Notify(api.RequestSession, api.RequestSessionRequest{Conf: conf})

	begin := api.Unwrap[api.BeginSessionRequest](provider.wait(t, api.BeginSession).Payload)
	require.NotNil(t, begin)
	assert.NotEmpty(t, begin.Sid)
	assert.Equal(t, conf, begin.Conf)

	start := api.Unwrap[api.SessionStartResponse](requester.wait(t, api.SessionStart).Payload)
	require.NotNil(t, start)
	assert.Equal(t, begin.Sid, start.Sid, "both sides see the same session")

	// input flows requester → provider
	requester.c.Notify(api.InputEvent, json.RawMessage(`{"key":"w","down":true}`))
	in := provider.wait(t, api.InputEvent)
	assert.JSONEq(t, `{"key":"w","down":true}`, string(in.Payload))

	// frames flow provider → requester
	provider.c.Notify(api.OutputFrame, json.RawMessage(`"AAECAw=="`))
	frame := requester.wait(t, api.OutputFrame)
	assert.JSONEq(t, `"AAECAw=="`, string(frame.Payload))

	// signaling goes both ways
	requester.c.Notify(api.Signal, json.RawMessage(`{"sdp":"offer"}`))
	provider.wait(t, api.Signal)
	provider.c.Notify(api.Signal, json.RawMessage(`{"sdp":"answer"}`))
	requester.wait(t, api.Signal)

	// explicit stop reaches the provider
	requester.c.Notify(api.StopSession, nil)
	provider.wait(t, api.StopSession)

	// after the grace interval the provider serves the next request
	provider.reset()
	time.Sleep(4 * grace)
	requester.c.Notify(api.RequestSession, api.RequestSessionRequest{})
	again := api.Unwrap[api.BeginSessionRequest](provider.wait(t, api.BeginSession).Payload)
	require.NotNil(t, again)
	assert.NotEqual(t, begin.Sid, again.Sid, "a fresh session gets a fresh id")
}

func TestBrokerRegisterHandshake(t *testing.T) {
	_, ts := newTestBroker(time.Hour)
	defer ts.Close()

	provider := dialPeer(t, ts, "/provider")
	ack, err := provider.c.Call(api.RegisterProvider, nil)
	require.NoError(t, err)
	var pid string
	require.NoError(t, json.Unmarshal(ack, &pid))
	assert.NotEmpty(t, pid)

	requester := dialPeer(t, ts, "/requester")
	ack, err = requester.c.Call(api.RegisterRequester, nil)
	require.NoError(t, err)
	var rid string
	require.NoError(t, json.Unmarshal(ack, &rid))
	assert.NotEqual(t, pid, rid)

	// the handshake must not interfere with matching
	requester.c.Notify(api.RequestSession, api.RequestSessionRequest{})
	provider.wait(t, api.BeginSession)
	requester.wait(t, api.SessionStart)
}

func TestBrokerPendingCallDrainedOnClose(t *testing.T) {
	_, ts := newTestBroker(time.Hour)
	defer ts.Close()

	provider := dialPeer(t, ts, "/provider")
	errc := make(chan error, 1)
	go func() {
		// the broker never replies to relay packets
		_, err := provider.c.Call(api.OutputFrame, nil)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	provider.c.Disconnect()
	select {
	case err := <-errc:
		require.Error(t, err, "a pending call must be cancelled, not left hanging")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not drained on close")
	}
}

func TestBrokerWaitingStatus(t *testing.T) {
	_, ts := newTestBroker(time.Hour)
	defer ts.Close()

	requester := dialPeer(t, ts, "/requester")
	requester.c.Notify(api.RequestSession, api.RequestSessionRequest{})

	status := api.Unwrap[api.StatusResponse](requester.wait(t, api.Status).Payload)
	require.NotNil(t, status)
	assert.Equal(t, api.StatusWaiting, *status)

	// a provider attaching later picks the waiting requester up
	provider := dialPeer(t, ts, "/provider")
	provider.wait(t, api.BeginSession)
	requester.wait(t, api.SessionStart)
}

func TestBrokerProviderLost(t *testing.T) {
	b, ts := newTestBroker(time.Hour)
	defer ts.Close()

	provider := dialPeer(t, ts, "/provider")
	requester := dialPeer(t, ts, "/requester")
	requester.c.Notify(api.RequestSession, api.RequestSessionRequest{})
	provider.wait(t, api.BeginSession)
	requester.wait(t, api.SessionStart)

	provider.c.Disconnect()
	requester.wait(t, api.SessionEnd)

	require.Eventually(t, func() bool {
		_, _, _, sessions := b.hub.counts()
		return sessions == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBrokerSkipsFailedMonitoring(t *testing.T) {
	conf := config.BrokerConfig{}
	conf.Broker.Server.Address = "127.0.0.1:0"
	conf.Broker.GraceInterval = time.Second
	conf.Broker.Monitoring.Port = -1
	conf.Broker.Monitoring.MetricEnabled = true

	b := New(conf, logger.Default())
	b.Start() // a failed monitoring bind must not leave a nil service behind
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestBrokerRequesterGoneBeforeReclaim(t *testing.T) {
	b, ts := newTestBroker(30 * time.Millisecond)
	defer ts.Close()

	provider := dialPeer(t, ts, "/provider")
	requester := dialPeer(t, ts, "/requester")
	requester.c.Notify(api.RequestSession, api.RequestSessionRequest{})
	provider.wait(t, api.BeginSession)

	requester.c.Disconnect()
	provider.wait(t, api.StopSession)

	require.Eventually(t, func() bool {
		_, pool, _, _ := b.hub.counts()
		return pool == 1
	}, 3*time.Second, 10*time.Millisecond, "provider should return to the pool")
}
