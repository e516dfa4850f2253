package config

import (
	"time"

	flag "github.com/spf13/pflag"
)

type (
	BrokerConfig struct {
		Broker Broker
	}
	Broker struct {
		Debug      bool
		Monitoring Monitoring
		Origin     struct {
			Provider  string
			Requester string
		}
		// delay before a provider released by a gone requester
		// is considered reusable
		GraceInterval time.Duration `fig:"graceInterval" default:"2s"`
		Server        Server
	}
	Monitoring struct {
		Port             int
		URLPrefix        string
		MetricEnabled    bool
		ProfilingEnabled bool
	}
	Server struct {
		Address  string `fig:"address" default:":8000"`
		PortRoll bool
		Https    bool
		Tls      struct {
			Address   string
			Domain    string
			HttpsKey  string
			HttpsCert string
		}
	}
)

func (m *Monitoring) IsEnabled() bool { return m.MetricEnabled || m.ProfilingEnabled }

func (s *Server) GetAddr() string {
	if s.Https {
		return s.Tls.Address
	}
	return s.Address
}

// allows custom config path
var brokerConfigPath string

func NewBrokerConfig() (conf BrokerConfig) {
	if err := LoadConfig(&conf, brokerConfigPath); err != nil {
		panic(err)
	}
	return
}

func (c *BrokerConfig) ParseFlags() {
	flag.StringVarP(&c.Broker.Server.Address, "address", "a", c.Broker.Server.Address, "HTTP server address (host:port)")
	flag.StringVar(&c.Broker.Server.Tls.Address, "httpsAddress", c.Broker.Server.Tls.Address, "HTTPS server address (host:port)")
	flag.BoolVarP(&c.Broker.Debug, "debug", "d", c.Broker.Debug, "Enable debug level logging")
	flag.IntVar(&c.Broker.Monitoring.Port, "monitoring.port", c.Broker.Monitoring.Port, "Monitoring server port")
	flag.DurationVar(&c.Broker.GraceInterval, "grace", c.Broker.GraceInterval, "Provider reclaim grace interval")
	flag.StringVar(&brokerConfigPath, "conf", brokerConfigPath, "Set custom configuration file path")
	flag.Parse()
}
