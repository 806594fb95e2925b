package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/roffe/gocan"
	"github.com/roffe/pidscan/pkg/adapter"
	"github.com/roffe/pidscan/pkg/adapter/loopback"
	"github.com/roffe/pidscan/pkg/canbus"
	"github.com/roffe/pidscan/pkg/config"
	"github.com/roffe/pidscan/pkg/ecusim"
	"github.com/roffe/pidscan/pkg/isotp"
	"github.com/roffe/pidscan/pkg/pidscan"
	"github.com/roffe/pidscan/pkg/sink"
	"github.com/roffe/pidscan/pkg/ticker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configFile     string
	adapter        string
	port           string
	baudrate       int
	canrate        float64
	timeout        uint64
	tick           time.Duration
	cbor           string
	mqtt           string
	logLevel       string
	logJSON        bool
	statusInterval time.Duration
	simulate       string
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "config file (.yaml or .toml)")
	flag.StringVar(&opts.adapter, "adapter", "", "CAN adapter, see 'pidscan adapters'")
	flag.StringVar(&opts.port, "port", "", "adapter port or interface")
	flag.IntVar(&opts.baudrate, "baudrate", 0, "serial port baudrate")
	flag.Float64Var(&opts.canrate, "canrate", 0, "CAN bitrate in kbit/s")
	flag.Uint64Var(&opts.timeout, "timeout", 0, "ticks to wait for a reply before moving on")
	flag.DurationVar(&opts.tick, "tick", 0, "tick interval")
	flag.StringVar(&opts.cbor, "cbor", "", "write results to a CBOR file in this directory")
	flag.StringVar(&opts.mqtt, "mqtt", "", "publish results to this MQTT broker")
	flag.StringVar(&opts.logLevel, "log-level", "", "log level")
	flag.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	flag.DurationVar(&opts.statusInterval, "status-interval", 10*time.Second, "status print interval, 0 disables")
	flag.StringVar(&opts.simulate, "simulate", "", "scan a simulated ECU loaded from this PID map")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "adapters":
		err = listAdapters(os.Stdout)
	case "start":
		if len(args) != 4 {
			usage()
			os.Exit(2)
		}
		err = start(opts, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "usage:")
	fmt.Fprintln(out, "  pidscan [flags] start <ecu> <start> <end>")
	fmt.Fprintln(out, "  pidscan adapters")
	fmt.Fprintln(out, "\nids and PIDs are hex, end is exclusive (10000 scans everything)")
	fmt.Fprintln(out, "\nflags:")
	flag.PrintDefaults()
}

func listAdapters(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADAPTER\tSERIAL\tDESCRIPTION")
	for _, a := range adapter.List() {
		fmt.Fprintf(tw, "%s\t%t\t%s\n", a.Name, a.RequiresSerialPort, a.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	ports, err := adapter.ListPorts()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tSERIAL")
	for _, p := range ports {
		var id string
		if p.IsUSB {
			id = p.VID + ":" + p.PID
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.Name, p.IsUSB, id, p.Serial)
	}
	return tw.Flush()
}

// parseHex accepts 7e4 as well as 0x7E4.
func parseHex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q", s)
	}
	return uint32(v), nil
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then explicitly set flags, then the positional arguments.
func loadConfig(opts options, args []string) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Load(opts.configFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "adapter":
			cfg.Adapter.Name = opts.adapter
		case "port":
			cfg.Adapter.Port = opts.port
		case "baudrate":
			cfg.Adapter.Baudrate = opts.baudrate
		case "canrate":
			cfg.Adapter.CANRate = opts.canrate
		case "timeout":
			cfg.Scan.TimeoutTicks = opts.timeout
		case "tick":
			cfg.Ticker.IntervalMs = int(opts.tick / time.Millisecond)
		case "cbor":
			cfg.Sinks.CBOR = opts.cbor
		case "mqtt":
			cfg.Sinks.MQTT.Broker = opts.mqtt
		case "log-level":
			cfg.Log.Level = opts.logLevel
		case "log-json":
			cfg.Log.JSON = opts.logJSON
		}
	})

	ecu, err := parseHex(args[0])
	if err != nil {
		return nil, fmt.Errorf("ecu: %w", err)
	}
	startPID, err := parseHex(args[1])
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	endPID, err := parseHex(args[2])
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	cfg.Scan.Ecu, cfg.Scan.Start, cfg.Scan.End = ecu, startPID, endPID

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

func start(opts options, args []string) error {
	cfg, err := loadConfig(opts, args)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	logger := log.WithField("app", "pidscan")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.simulate != "" {
		// The simulated ECU lives on a private loopback bus next to the scanner.
		cfg.Adapter.Name = loopback.Name
		cfg.Adapter.Port = "pidscan-simulate"
		stop, err := startSimulator(ctx, opts.simulate, cfg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	respID := cfg.Scan.ResponseID
	if respID == 0 {
		respID = isotp.ResponseID(cfg.Scan.Ecu)
	}
	gc, err := adapter.Open(ctx, cfg.Adapter.Name, &adapter.Config{
		AdapterConfig: gocan.AdapterConfig{
			Port:          cfg.Adapter.Port,
			PortBaudrate:  cfg.Adapter.Baudrate,
			CANRate:       cfg.Adapter.CANRate,
			CANFilter:     []uint32{respID},
			UseExtendedID: cfg.Scan.Ecu > 0x7FF,
		},
		Attempts: cfg.Adapter.Attempts,
		Log:      logger,
	})
	if err != nil {
		return err
	}
	client := canbus.New(gc, logger)
	defer client.Close()

	table := sink.NewTable(0)
	results, err := setupSinks(cfg, table, logger)
	if err != nil {
		return err
	}
	defer results.Close()

	tick := ticker.New(&ticker.Config{
		Interval: time.Duration(cfg.Ticker.IntervalMs) * time.Millisecond,
		Log:      logger,
	})
	defer tick.Close()

	scanner, err := pidscan.New(client, tick, pidscan.Config{
		Ecu:                cfg.Scan.Ecu,
		ResponseID:         cfg.Scan.ResponseID,
		Start:              cfg.Scan.Start,
		End:                cfg.Scan.End,
		Service:            cfg.Scan.Service,
		TimeoutTicks:       cfg.Scan.TimeoutTicks,
		QueueSize:          cfg.Scan.QueueSize,
		DisableFlowControl: !cfg.Scan.FlowControlEnabled(),
		SkipNegative:       cfg.Scan.SkipNegative,
		Sink:               results,
		Log:                logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scanner.Wait(gctx)
	})
	if opts.statusInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(opts.statusInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-scanner.Done():
					return nil
				case <-t.C:
					fmt.Println(scanner.Status())
				}
			}
		})
	}
	err = g.Wait()
	scanner.Close()
	results.Close()

	st := scanner.Stats()
	logger.WithFields(log.Fields{
		"probes":    st.Probes,
		"results":   st.Results,
		"timeouts":  st.Timeouts,
		"failures":  st.SendFailures,
		"dropped":   st.Dropped,
		"malformed": st.Malformed,
	}).Info("scan stopped")
	fmt.Println(scanner.Status())
	if table.Len() > 0 {
		if ferr := table.Format(os.Stdout); ferr != nil {
			logger.WithError(ferr).Warn("failed to print results")
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupSinks(cfg *config.Config, table *sink.Table, logger *log.Entry) (*sink.Manager, error) {
	mgr := sink.NewManager(logger)
	mgr.Add(table)
	if cfg.Sinks.Log {
		mgr.Add(sink.NewLog(logger))
	}
	if cfg.Sinks.CBOR != "" {
		c, err := sink.NewCBORFile(cfg.Sinks.CBOR, cfg.Scan.Ecu)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		logger.Infof("writing results to %s", c.Filename())
		mgr.Add(c)
	}
	if cfg.Sinks.MQTT.Broker != "" {
		m, err := sink.NewMQTT(&sink.MQTTConfig{
			Broker:   cfg.Sinks.MQTT.Broker,
			Topic:    cfg.Sinks.MQTT.Topic,
			ClientID: cfg.Sinks.MQTT.ClientID,
			QoS:      cfg.Sinks.MQTT.QoS,
			Log:      logger,
		})
		if err != nil {
			mgr.Close()
			return nil, err
		}
		mgr.Add(m)
	}
	return mgr, nil
}

func startSimulator(ctx context.Context, path string, cfg *config.Config, logger *log.Entry) (func(), error) {
	simCfg, err := config.LoadSim(path)
	if err != nil {
		return nil, err
	}
	responses, err := simCfg.Responses()
	if err != nil {
		return nil, err
	}
	nrc, err := simCfg.NegativeResponses()
	if err != nil {
		return nil, err
	}
	gc, err := loopback.Get(cfg.Adapter.Port).Dial(ctx, "ecu")
	if err != nil {
		return nil, err
	}
	client := canbus.New(gc, logger)
	sim, err := ecusim.New(client, ecusim.Config{
		RequestID:  cfg.Scan.Ecu,
		ResponseID: cfg.Scan.ResponseID,
		Service:    cfg.Scan.Service,
		Responses:  responses,
		NRC:        nrc,
		Pending:    simCfg.Pending,
		Log:        logger.WithField("sim", true),
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	sim.Start()
	return func() {
		sim.Close()
		client.Close()
	}, nil
}
