package broker

import (
	"sync"
	"time"

	"github.com/cloudrig/cloudrig/pkg/api"
	"github.com/cloudrig/cloudrig/pkg/com"
	"github.com/cloudrig/cloudrig/pkg/logger"
	"github.com/eapache/queue"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
)

type Role uint8

const (
	RoleProvider Role = iota + 1
	RoleRequester
)

func (r Role) String() string {
	switch r {
	case RoleProvider:
		return "provider"
	case RoleRequester:
		return "requester"
	}
	return "unknown"
}

// Notifier delivers broker-originated packets to an attached peer.
type Notifier interface {
	Notify(t api.PT, payload any)
}

// conn is a registry record of one attached peer.
type conn struct {
	id     com.Uid
	role   Role
	peer   Notifier
	busy   bool   // providers only, held while bound or awaiting reclaim
	sid    string // bound session id
	queued bool   // requesters only, waiting in the queue
	conf   json.RawMessage
}

type session struct {
	id        string
	requester com.Uid
	provider  com.Uid
}

// Hub matches requesters to providers and routes session traffic between them.
//
// A single mutex serializes every event (registration, session request, relay,
// disconnect, reclaim timer fire) over the registry, the provider pool, the
// requester queue, and the session table, so each check-and-commit runs to
// completion without interleaving.
type Hub struct {
	mu       sync.Mutex
	conns    map[com.Uid]*conn
	pool     *queue.Queue // idle provider ids, FIFO, may hold stale entries
	waiting  *queue.Queue // requester ids, FIFO
	sessions map[string]*session
	grace    time.Duration
	log      *logger.Logger
}

func NewHub(grace time.Duration, log *logger.Logger) *Hub {
	return &Hub{
		conns:    make(map[com.Uid]*conn, 10),
		pool:     queue.New(),
		waiting:  queue.New(),
		sessions: make(map[string]*session, 10),
		grace:    grace,
		log:      log,
	}
}

// Register adds a peer to the registry. Re-registering an already known id
// reconciles the role and keeps any existing session binding. A freshly
// registered provider is matched with the longest-waiting requester right
// away, bypassing the pool, or becomes pool-idle when nobody waits.
func (h *Hub) Register(id com.Uid, role Role, peer Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[id]; ok {
		c.role = role
		if peer != nil {
			c.peer = peer
		}
		return
	}
	c := &conn{id: id, role: role, peer: peer}
	h.conns[id] = c
	connectionsActive.WithLabelValues(role.String()).Inc()

	if role != RoleProvider {
		return
	}
	if rq := h.dequeueRequester(); rq != nil {
		h.match(rq, c)
		return
	}
	h.offerProvider(c)
}

// RequestSession pairs the requester with the oldest idle provider or, under
// scarcity, puts it at the tail of the waiting queue. A request from an
// unknown id registers it as a requester first.
func (h *Hub) RequestSession(id com.Uid, conf json.RawMessage, peer Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		c = &conn{id: id, role: RoleRequester, peer: peer}
		h.conns[id] = c
		connectionsActive.WithLabelValues(RoleRequester.String()).Inc()
	}
	if c.role != RoleRequester || c.sid != "" {
		h.log.Debug().Msgf("drop session request from %v", id.Short())
		return
	}
	c.conf = conf
	if c.queued {
		// keeps the original queue position, only the config is refreshed
		return
	}

	if pv := h.takeProvider(); pv != nil {
		h.match(c, pv)
		return
	}
	h.enqueueRequester(c)
}

// Relay forwards a session-scoped payload verbatim to the sender's partner.
// Events from unbound connections or dead sessions are silently dropped, as
// the sender may have raced a teardown.
func (h *Hub) Relay(from com.Uid, t api.PT, payload json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[from]
	if !ok || c.sid == "" {
		relayDropped.Inc()
		return
	}
	s, ok := h.sessions[c.sid]
	if !ok {
		relayDropped.Inc()
		return
	}
	partnerId := s.provider
	if c.role == RoleProvider {
		partnerId = s.requester
	}
	partner, ok := h.conns[partnerId]
	if !ok {
		relayDropped.Inc()
		return
	}
	relayedPackets.WithLabelValues(api.Name(t)).Inc()
	partner.peer.Notify(t, payload)
}

// Stop tears down the requester's session on its explicit request.
// The requester stays registered and may request a new session later.
func (h *Hub) Stop(id com.Uid) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok || c.role != RoleRequester || c.sid == "" {
		return
	}
	h.releaseProvider(c.sid)
	c.sid = ""
	c.conf = nil
}

// Disconnect handles a peer departure and removes it from the registry.
func (h *Hub) Disconnect(id com.Uid) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok {
		return
	}
	switch c.role {
	case RoleProvider:
		// pool leftovers are discarded lazily by takeProvider
		if s, ok := h.sessions[c.sid]; ok {
			if rq, ok := h.conns[s.requester]; ok {
				rq.sid = ""
				rq.conf = nil
				rq.peer.Notify(api.SessionEnd, nil)
			}
			h.endSession(s.id)
		}
	case RoleRequester:
		if c.sid != "" {
			h.releaseProvider(c.sid)
		}
		// a queued entry is dropped lazily by dequeueRequester
	}
	delete(h.conns, id)
	connectionsActive.WithLabelValues(c.role.String()).Dec()
}

// releaseProvider ends the session from the requester side: the provider is
// told to stop its work and is re-admitted to the pool after the grace
// interval, giving it time to tear down the heavyweight resource.
func (h *Hub) releaseProvider(sid string) {
	s, ok := h.sessions[sid]
	if !ok {
		return
	}
	h.endSession(sid)
	pv, ok := h.conns[s.provider]
	if !ok {
		return
	}
	pv.sid = ""
	pv.peer.Notify(api.StopSession, nil)
	id := pv.id
	time.AfterFunc(h.grace, func() { h.reclaim(id) })
}

// reclaim runs at the grace interval expiry. The provider becomes pool-idle
// again only if its connection is still registered; otherwise the reclaim is
// silently abandoned.
func (h *Hub) reclaim(id com.Uid) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[id]
	if !ok || c.role != RoleProvider || c.sid != "" {
		reclaims.WithLabelValues("abandoned").Inc()
		return
	}
	h.offerProvider(c)
	reclaims.WithLabelValues("readmitted").Inc()
}

// match commits a pairing; when the commit aborts, both peers go back
// where they came from (the requester to the queue, the provider to the
// pool), so a vanished counterpart never costs the survivor its spot.
func (h *Hub) match(rq *conn, pv *conn) {
	if h.pair(rq, pv) {
		return
	}
	h.enqueueRequester(rq)
	h.offerProvider(pv)
}

// pair binds a requester and a provider into a fresh session (atomic with
// respect to the hub lock). When one of the two vanished before the commit,
// nothing is mutated: the surviving requester is re-queued by the caller.
func (h *Hub) pair(rq *conn, pv *conn) bool {
	if _, ok := h.conns[rq.id]; !ok {
		return false
	}
	if _, ok := h.conns[pv.id]; !ok {
		return false
	}
	sid := newSessionId()
	s := &session{id: sid, requester: rq.id, provider: pv.id}
	h.sessions[sid] = s
	rq.sid = sid
	rq.queued = false
	pv.sid = sid
	pv.busy = true
	sessionsCreated.Inc()
	sessionsActive.Set(float64(len(h.sessions)))

	h.log.Info().Msgf("session %s: %v (requester) + %v (provider)", sid, rq.id.Short(), pv.id.Short())
	pv.peer.Notify(api.BeginSession, api.BeginSessionRequest{Sid: sid, Conf: rq.conf})
	rq.peer.Notify(api.SessionStart, api.SessionStartResponse{Sid: sid})
	return true
}

func (h *Hub) endSession(sid string) {
	delete(h.sessions, sid)
	sessionsEnded.Inc()
	sessionsActive.Set(float64(len(h.sessions)))
}

// offerProvider appends the provider to the pool tail and marks it idle.
func (h *Hub) offerProvider(c *conn) {
	c.busy = false
	c.sid = ""
	h.pool.Add(c.id)
	poolDepth.Set(float64(h.pool.Length()))
}

// takeProvider scans the pool from the head and returns the first entry that
// is still registered and idle. Entries invalidated by disconnects or
// pairings are discarded on the way, which is the only pool cleanup there is.
func (h *Hub) takeProvider() *conn {
	for h.pool.Length() > 0 {
		id := h.pool.Remove().(com.Uid)
		c, ok := h.conns[id]
		if ok && c.role == RoleProvider && !c.busy && c.sid == "" {
			poolDepth.Set(float64(h.pool.Length()))
			return c
		}
	}
	poolDepth.Set(0)
	return nil
}

func (h *Hub) enqueueRequester(c *conn) {
	c.queued = true
	h.waiting.Add(c.id)
	queueDepth.Set(float64(h.waiting.Length()))
	c.peer.Notify(api.Status, api.StatusWaiting)
}

// dequeueRequester pops the longest-waiting requester, lazily skipping
// entries whose connection has gone away since it queued up.
func (h *Hub) dequeueRequester() *conn {
	for h.waiting.Length() > 0 {
		id := h.waiting.Remove().(com.Uid)
		c, ok := h.conns[id]
		if ok && c.role == RoleRequester && c.queued && c.sid == "" {
			queueDepth.Set(float64(h.waiting.Length()))
			return c
		}
	}
	queueDepth.Set(0)
	return nil
}

func newSessionId() string { return uuid.Must(uuid.NewV4()).String() }

// counts returns registry/pool/queue/session sizes, for tests and logs.
func (h *Hub) counts() (conns, pool, waiting, sessions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns), h.pool.Length(), h.waiting.Length(), len(h.sessions)
}
