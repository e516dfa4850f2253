package main

import (
	"context"

	"github.com/cloudrig/cloudrig/pkg/broker"
	"github.com/cloudrig/cloudrig/pkg/config"
	"github.com/cloudrig/cloudrig/pkg/logger"
	"github.com/cloudrig/cloudrig/pkg/os"
)

var Version = "?"

func main() {
	conf := config.NewBrokerConfig()
	conf.ParseFlags()

	log := logger.NewConsole(conf.Broker.Debug, "b", false)

	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	b := broker.New(conf, log)
	b.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if err := b.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("service shutdown errors")
		}
	}()
	<-os.ExpectTermination()
	cancel()
}
