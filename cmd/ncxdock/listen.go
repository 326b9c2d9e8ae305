package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/newtonresearch/newton-connection/config"
	"github.com/newtonresearch/newton-connection/dock"
	"github.com/newtonresearch/newton-connection/metrics"
	"github.com/newtonresearch/newton-connection/transport"
)

func listenCmd() *cobra.Command {
	var configPath string
	flags := config.NewConfig()

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for a Newton and log its dock events",
		Long: `Listen on every enabled transport, keep the first Newton that connects
and log the events it sends until it disconnects or the process is
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configPath, flags, cmd.Flags())
			if err != nil {
				return err
			}
			logFile, err := config.SetupLogging(cfg)
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return newHost(cfg).run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "JSON configuration file")
	f.BoolVar(&flags.TCPEnabled, "tcp", flags.TCPEnabled, "Listen on TCP/IP")
	f.IntVar(&flags.TCPPort, "tcp-port", flags.TCPPort, "TCP port")
	f.BoolVar(&flags.Advertise, "advertise", flags.Advertise, "Advertise the TCP listener over DNS-SD")
	f.StringVar(&flags.ServiceName, "service-name", flags.ServiceName, "DNS-SD instance name (default: host name)")
	f.StringVar(&flags.SerialPort, "serial", flags.SerialPort, "Serial device, e.g. /dev/ttyUSB0")
	f.IntVar(&flags.BaudRate, "baud", flags.BaudRate, "Serial baud rate")
	f.IntVar(&flags.BluetoothChannel, "bluetooth", flags.BluetoothChannel, "RFCOMM channel (0 disables Bluetooth)")
	f.StringVar(&flags.SimulatorAddr, "simulator", flags.SimulatorAddr, "Emulator WebSocket address, e.g. 127.0.0.1:3680")
	f.IntVar(&flags.Timeout, "timeout", flags.Timeout, "Endpoint timeout in seconds (-1 disables)")
	f.IntVarP(&flags.LogLevel, "log-level", "v", flags.LogLevel, "Log level 0-3")
	f.StringVar(&flags.LogFile, "log-file", flags.LogFile, "Append logs to this file")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", flags.MetricsAddr, "Serve /status and /metrics on this address")
	f.StringVar(&flags.ValueCodec, "value-codec", flags.ValueCodec, "Structured value codec: raw or json")
	f.IntVar(&flags.SliceSize, "slice-size", flags.SliceSize, "Payload bytes per write for large events")
	f.IntVar(&flags.ProgressFrequency, "progress-frequency", flags.ProgressFrequency, "Slices between progress reports")

	return cmd
}

// resolveConfig loads the configuration file, if any, and applies every flag
// the user set explicitly on top of it.
func resolveConfig(path string, flags *config.Config, set *pflag.FlagSet) (*config.Config, error) {
	if path == "" {
		cfg := *flags
		return &cfg, cfg.Validate()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	set.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "tcp":
			cfg.TCPEnabled = flags.TCPEnabled
		case "tcp-port":
			cfg.TCPPort = flags.TCPPort
		case "advertise":
			cfg.Advertise = flags.Advertise
		case "service-name":
			cfg.ServiceName = flags.ServiceName
		case "serial":
			cfg.SerialPort = flags.SerialPort
		case "baud":
			cfg.BaudRate = flags.BaudRate
		case "bluetooth":
			cfg.BluetoothChannel = flags.BluetoothChannel
		case "simulator":
			cfg.SimulatorAddr = flags.SimulatorAddr
		case "timeout":
			cfg.Timeout = flags.Timeout
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-file":
			cfg.LogFile = flags.LogFile
		case "metrics-addr":
			cfg.MetricsAddr = flags.MetricsAddr
		case "value-codec":
			cfg.ValueCodec = flags.ValueCodec
		case "slice-size":
			cfg.SliceSize = flags.SliceSize
		case "progress-frequency":
			cfg.ProgressFrequency = flags.ProgressFrequency
		}
	})
	return cfg, cfg.Validate()
}

// host runs one docking session and reports its state to the status server.
type host struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	started  time.Time

	mu    sync.Mutex
	state string
	ctrl  *transport.Controller
	queue *dock.Queue
}

func newHost(cfg *config.Config) *host {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &host{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics.New(metrics.WithRegistry(registry)),
		started:  time.Now(),
		state:    "idle",
	}
}

func (h *host) setState(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
}

func (h *host) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{
		State:  h.state,
		Uptime: time.Since(h.started).Seconds(),
	}
	if h.ctrl != nil {
		if ep := h.ctrl.Endpoint(); ep != nil {
			st.Transport = ep.Name()
		}
		if err := h.ctrl.Err(); err != nil {
			st.Error = err.Error()
		}
	}
	if h.queue != nil {
		st.Events = h.queue.Stats()
	}
	return st
}

// run races the transports, then serves the winning connection until it
// ends or ctx is cancelled.
func (h *host) run(ctx context.Context) error {
	if h.cfg.MetricsAddr != "" {
		if _, err := serveStatus(ctx, h.cfg.MetricsAddr, newStatusRouter(h.status, h.registry)); err != nil {
			return err
		}
	}

	codec, err := dock.CodecByName(h.cfg.ValueCodec)
	if err != nil {
		return err
	}

	ctrl := transport.NewController(buildTransports(h.cfg),
		transport.WithTimeout(h.cfg.EndpointTimeout()),
		transport.WithMetrics(h.metrics),
	)
	h.mu.Lock()
	h.ctrl = ctrl
	h.mu.Unlock()

	if err := ctrl.StartListening(ctx); err != nil {
		return err
	}
	defer ctrl.Stop()
	h.setState("listening")

	ep, err := ctrl.Wait(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrCancelled) {
			return nil
		}
		return err
	}

	q := dock.NewQueue(
		dock.WithValueCodec(codec),
		dock.WithSliceSize(h.cfg.SliceSize),
		dock.WithProgressFrequency(h.cfg.ProgressFrequency),
		dock.WithMetrics(h.metrics),
	)
	if err := q.Open(ep); err != nil {
		return err
	}
	defer q.Close()

	h.mu.Lock()
	h.queue = q
	h.state = "connected"
	h.mu.Unlock()

	n, err := runSession(ctx, q)
	h.setState("disconnected")

	logrus.WithFields(logrus.Fields{
		"function":  "host.run",
		"transport": ep.Name(),
		"events":    n,
	}).Info("Session ended")

	return err
}

// runSession logs inbound events until the Newton disconnects or ctx is
// cancelled. It returns the number of events received.
func runSession(ctx context.Context, q *dock.Queue) (int, error) {
	count := 0
	for {
		ev, err := q.GetNextEvent(ctx)
		switch {
		case errors.Is(err, dock.ErrCancelled):
			return count, nil
		case errors.Is(err, dock.ErrDisconnected):
			logrus.WithFields(logrus.Fields{
				"function": "runSession",
				"error":    err.Error(),
			}).Info("Newton disconnected")
			return count, nil
		case err != nil:
			return count, err
		}
		count++

		if ev.Err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runSession",
				"event":    ev.String(),
				"error":    ev.Err.Error(),
			}).Warn("Malformed event")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "runSession",
			"event":    ev.String(),
		}).Info("Event")

		if ev.Tag == dock.TagDisconnect {
			return count, nil
		}
	}
}
