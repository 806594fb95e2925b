// Command ecusim answers PID reads on a CAN adapter from a YAML or TOML PID
// map.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roffe/gocan"
	"github.com/roffe/pidscan/pkg/adapter"
	_ "github.com/roffe/pidscan/pkg/adapter/loopback"
	"github.com/roffe/pidscan/pkg/canbus"
	"github.com/roffe/pidscan/pkg/config"
	"github.com/roffe/pidscan/pkg/ecusim"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "ecusim.yaml", "PID map (.yaml or .toml)")
	adapterName := flag.String("adapter", "", "override adapter")
	port := flag.String("port", "", "override adapter port")
	flag.Parse()

	if err := run(*configFile, *adapterName, *port); err != nil {
		log.Fatal(err)
	}
}

func run(configFile, adapterName, port string) error {
	cfg, err := config.LoadSim(configFile)
	if err != nil {
		return err
	}
	if adapterName != "" {
		cfg.Adapter.Name = adapterName
	}
	if port != "" {
		cfg.Adapter.Port = port
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	logger := log.WithField("app", "ecusim")

	responses, err := cfg.Responses()
	if err != nil {
		return err
	}
	nrc, err := cfg.NegativeResponses()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gc, err := adapter.Open(ctx, cfg.Adapter.Name, &adapter.Config{
		AdapterConfig: gocan.AdapterConfig{
			Port:          cfg.Adapter.Port,
			PortBaudrate:  cfg.Adapter.Baudrate,
			CANRate:       cfg.Adapter.CANRate,
			CANFilter:     []uint32{cfg.RequestID},
			UseExtendedID: cfg.RequestID > 0x7FF,
		},
		Attempts: cfg.Adapter.Attempts,
		Log:      logger,
	})
	if err != nil {
		return err
	}
	client := canbus.New(gc, logger)

	sim, err := ecusim.New(client, ecusim.Config{
		RequestID:  cfg.RequestID,
		ResponseID: cfg.ResponseID,
		Service:    cfg.Service,
		Responses:  responses,
		NRC:        nrc,
		Pending:    cfg.Pending,
		Log:        logger,
	})
	if err != nil {
		client.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sim.Start()
		<-gctx.Done()
		logger.Info("shutting down")
		sim.Close()
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				logStats(logger, sim, client).Info("stopped")
				return nil
			case <-t.C:
				logStats(logger, sim, client).Debug("stats")
			}
		}
	})
	err = g.Wait()
	if cerr := client.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close adapter: %w", cerr)
	}
	return err
}

func logStats(l *log.Entry, sim *ecusim.Simulator, client *canbus.Client) *log.Entry {
	st := client.Stats()
	return l.WithFields(log.Fields{
		"requests": sim.Requests(),
		"answered": sim.Answered(),
		"sent":     st.Sent,
		"received": st.Received,
		"lost":     st.Lost,
	})
}

func setupLogging(cfg config.Log) error {
	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
