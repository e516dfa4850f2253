package broker

import (
	"net/http"

	"github.com/cloudrig/cloudrig/pkg/api"
	"github.com/cloudrig/cloudrig/pkg/com"
)

// handleProviderConnection serves the /provider websocket endpoint.
// A provider is registered (and thereby matched or pooled) on attach.
func (b *Broker) handleProviderConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.providers.NewServer(w, r, b.log)
	if err != nil {
		b.log.Error().Err(err).Msg("provider socket upgrade failed")
		return
	}
	id := conn.Id()
	conn.OnPacket(func(in com.In) { b.providerPackets(conn, in) })
	done := conn.Listen()
	b.hub.Register(id, RoleProvider, conn)
	<-done
	b.hub.Disconnect(id)
	b.log.Debug().Msgf("provider %v left", id.Short())
}

// handleRequesterConnection serves the /requester websocket endpoint.
func (b *Broker) handleRequesterConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.requesters.NewServer(w, r, b.log)
	if err != nil {
		b.log.Error().Err(err).Msg("requester socket upgrade failed")
		return
	}
	id := conn.Id()
	conn.OnPacket(func(in com.In) { b.requesterPackets(conn, in) })
	done := conn.Listen()
	b.hub.Register(id, RoleRequester, conn)
	<-done
	b.hub.Disconnect(id)
	b.log.Debug().Msgf("requester %v left", id.Short())
}

func (b *Broker) providerPackets(conn *com.Client, in com.In) {
	switch in.T {
	case api.RegisterProvider:
		// the socket attach already registered it, the reply just
		// confirms the handshake with the assigned id
		conn.Route(in, conn.Id().String())
	case api.Signal, api.OutputFrame:
		b.hub.Relay(conn.Id(), in.T, in.Payload)
	default:
		b.log.Debug().Msgf("unhandled provider packet %v", api.Name(in.T))
	}
}

func (b *Broker) requesterPackets(conn *com.Client, in com.In) {
	id := conn.Id()
	switch in.T {
	case api.RegisterRequester:
		// idempotent, see above
		conn.Route(in, id.String())
	case api.RequestSession:
		rq := api.Unwrap[api.RequestSessionRequest](in.Payload)
		if rq == nil {
			b.log.Debug().Msgf("malformed session request from %v", id.Short())
			return
		}
		b.hub.RequestSession(id, rq.Conf, conn)
	case api.Signal, api.InputEvent:
		b.hub.Relay(id, in.T, in.Payload)
	case api.StopSession:
		b.hub.Stop(id)
	default:
		b.log.Debug().Msgf("unhandled requester packet %v", api.Name(in.T))
	}
}
