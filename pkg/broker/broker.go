package broker

import (
	"context"
	"net/http"

	"github.com/cloudrig/cloudrig/pkg/com"
	"github.com/cloudrig/cloudrig/pkg/config"
	"github.com/cloudrig/cloudrig/pkg/logger"
	"github.com/cloudrig/cloudrig/pkg/monitoring"
	"github.com/cloudrig/cloudrig/pkg/network/httpx"
	"github.com/cloudrig/cloudrig/pkg/service"
)

// Broker is the top-level service: it owns the hub and the websocket
// endpoints the two peer populations attach to.
type Broker struct {
	conf config.BrokerConfig
	log  *logger.Logger
	hub  *Hub

	providers  *com.Connector
	requesters *com.Connector
	services   service.Group
}

func New(conf config.BrokerConfig, log *logger.Logger) *Broker {
	b := &Broker{
		conf:       conf,
		log:        log,
		hub:        NewHub(conf.Broker.GraceInterval, log),
		providers:  com.NewConnector(com.WithOrigin(conf.Broker.Origin.Provider), com.WithTag("p")),
		requesters: com.NewConnector(com.WithOrigin(conf.Broker.Origin.Requester), com.WithTag("r")),
	}

	opts := []httpx.Option{
		httpx.WithPortRoll(conf.Broker.Server.PortRoll),
		httpx.WithLogger(log),
	}
	if conf.Broker.Server.Https {
		tls := conf.Broker.Server.Tls
		opts = append(opts, httpx.WithTLS(tls.HttpsCert, tls.HttpsKey, tls.Domain))
	}
	h, err := httpx.NewServer(
		conf.Broker.Server.GetAddr(),
		func(*httpx.Server) http.Handler {
			mux := httpx.NewServeMux()
			mux.HandleFunc("/provider", b.handleProviderConnection)
			mux.HandleFunc("/requester", b.handleRequesterConnection)
			return mux
		},
		opts...,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("couldn't start the broker server")
	}
	b.services.Add(h)
	if conf.Broker.Monitoring.IsEnabled() {
		if m := monitoring.New(conf.Broker.Monitoring, "brk", log); m != nil {
			b.services.Add(m)
		}
	}
	return b
}

func (b *Broker) Start() { b.services.Start() }

func (b *Broker) Shutdown(ctx context.Context) error { return b.services.Shutdown(ctx) }
