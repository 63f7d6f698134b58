// Aura Uplink - resilient MQTT telemetry delivery for field devices.
//
// The binary reads telemetry samples as newline-delimited JSON (from a file
// or stdin), stamps each with the device id and a persistent sequence
// number, and delivers it to the configured broker. Samples that cannot be
// published are kept in a file-backed outbox and retried until delivered
// or expired.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/aura-uplink/internal/api"
	"github.com/nerrad567/aura-uplink/internal/delivery"
	"github.com/nerrad567/aura-uplink/internal/identity"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/config"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/database"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/influxdb"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/logging"
	"github.com/nerrad567/aura-uplink/internal/infrastructure/mqtt"
	"github.com/nerrad567/aura-uplink/internal/netwatch"
	"github.com/nerrad567/aura-uplink/internal/outbox"
	"github.com/nerrad567/aura-uplink/internal/telemetry"
	"github.com/nerrad567/aura-uplink/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "AURA_CONFIG"

	// stdinInput selects stdin as the sample source.
	stdinInput = "-"

	// shutdownTimeout bounds the graceful broker disconnect.
	shutdownTimeout = 5 * time.Second

	defaultTokenTTL = 24 * time.Hour
)

// options holds the parsed command line.
type options struct {
	configPath  string
	input       string
	interval    time.Duration
	issueToken  string
	tokenTTL    time.Duration
	showVersion bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses args with pflag.
func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("aura-uplink", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default $"+configEnvVar+" or "+defaultConfigPath+")")
	fs.StringVarP(&opts.input, "input", "i", "", `NDJSON sample source: a file path, or "-" for stdin; empty drains the outbox only`)
	fs.DurationVar(&opts.interval, "interval", 0, "delay between samples read from the input")
	fs.StringVar(&opts.issueToken, "issue-token", "", "print a status API token for this subject and exit")
	fs.DurationVar(&opts.tokenTTL, "token-ttl", defaultTokenTTL, "lifetime of a token minted with --issue-token")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// getConfigPath returns the flag value, else $AURA_CONFIG, else the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// run wires the delivery stack and blocks until ctx is cancelled.
func run(ctx context.Context, args []string, stdin io.Reader) error {
	return runWithOutput(ctx, args, stdin, os.Stdout)
}

func runWithOutput(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "aura-uplink %s (%s, %s)\n", version, commit, date)
		return nil
	}

	log := logging.Default()
	log.Info("starting Aura Uplink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if opts.issueToken != "" {
		token, err := api.IssueToken(opts.issueToken, cfg.Security.JWT.Secret, opts.tokenTTL)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
		fmt.Fprintln(stdout, token)
		return nil
	}

	log, err = logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer log.Close() //nolint:errcheck // Best effort on shutdown
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	ids := identity.NewStore(db.DB)
	platformID, err := ids.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("loading platform id: %w", err)
	}
	deviceID := mqtt.ResolveDeviceID(cfg.Device.ID, platformID)
	log = log.With("device_id", deviceID)

	board := mqtt.NewStatusBoard()
	board.OnChange(func(label string, old, updated mqtt.BrokerStatus) {
		log.Info("broker status",
			"target", label,
			"from", old.State.String(),
			"to", updated.State.String(),
			"endpoint", updated.ActiveEndpoint,
		)
	})

	health := map[string]api.HealthChecker{"database": db}

	var metrics delivery.Metrics
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			// Metrics are optional; delivery works without them.
			log.Warn("InfluxDB unavailable, metrics disabled", "error", influxErr)
		} else {
			defer influxClient.Close() //nolint:errcheck // Close always returns nil
			influxClient.SetOnError(func(err error) {
				log.Warn("InfluxDB write error", "error", err)
			})
			rec := influxdb.NewRecorder(influxClient, deviceID)
			board.OnChange(rec.RecordStatus)
			metrics = rec
			health["metrics"] = influxClient
			log.Info("InfluxDB metrics enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	mgr := mqtt.NewManager(cfg.MQTT, deviceID, board,
		mqtt.WithLogger(log),
		mqtt.WithDiscovery(cfg.Discovery, nil),
	)
	pub := mqtt.NewPublisher(mgr, byte(cfg.MQTT.QoS)) // #nosec G115 -- validated 0..2
	log.Info("broker target configured",
		"target", mgr.Label(),
		"endpoints", mgr.Endpoints(),
		"client_id", mgr.ClientID(),
		"discovery", cfg.Discovery.Enabled(),
	)

	box, err := outbox.New(cfg.Outbox.Dir,
		outbox.WithMaxBytesPerDay(cfg.Outbox.MaxBytesPerDay),
		outbox.WithRetentionDays(cfg.Outbox.RetentionDays),
		outbox.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("creating outbox: %w", err)
	}
	if err := box.Initialize(ctx); err != nil {
		return fmt.Errorf("initialising outbox: %w", err)
	}
	log.Info("outbox ready", "dir", box.Dir(), "queued", box.Size())

	sig := delivery.NewSignal()
	fanout := delivery.NewFanout(pub)
	svc := delivery.NewService(fanout, box, sig,
		delivery.WithPublishTimeout(cfg.Publish.Timeout),
		delivery.WithServiceLogger(log),
		delivery.WithServiceMetrics(metrics),
		delivery.WithStatusBoard(board),
		delivery.WithReconnectOnNetwork(mgr),
	)
	drainer := delivery.NewDrainer(box, fanout, sig, delivery.DrainerConfig{
		BatchSize:    cfg.Drain.BatchSize,
		IdleInterval: cfg.Drain.IdleInterval,
		MinBackoff:   cfg.Drain.MinBackoff,
		MaxBackoff:   cfg.Drain.MaxBackoff,
	}, delivery.WithDrainLogger(log), delivery.WithDrainMetrics(metrics))
	supervisor := delivery.NewReconnectSupervisor(board,
		cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay, log, mgr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := mgr.EnsureConnected(gctx); err != nil {
			log.Warn("initial broker connect failed", "target", mgr.Label(), "error", err)
		}
		return nil
	})
	g.Go(func() error { return drainer.Run(gctx) })
	g.Go(func() error { return supervisor.Run(gctx) })

	if cfg.NetWatch.Enabled {
		watcher := netwatch.New(cfg.NetWatch.PollInterval, svc.NetworkAvailable, netwatch.WithLogger(log))
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if opts.input != "" {
		src, closeSrc, err := openInput(opts.input, stdin)
		if err != nil {
			return err
		}
		defer closeSrc()
		g.Go(func() error {
			return replay(gctx, src, opts.interval, sampleStamper(ids, deviceID, cfg.Device), svc, log)
		})
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Source:   svc,
			Feed:     board,
			DeviceID: deviceID,
			Version:  version,
			Health:   health,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		if cfg.Security.JWT.Secret == "" {
			log.Warn("status API has no JWT secret; keep it bound to loopback", "host", cfg.API.Host)
		}
	}

	log.Info("Aura Uplink started")
	<-gctx.Done()
	log.Info("shutting down")

	waitErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	mgr.DisconnectAll(shutdownCtx)

	st := box.Stats()
	log.Info("Aura Uplink stopped",
		"queued", st.Size,
		"dropped", st.Dropped,
		"decode_failures", st.DecodeFailures,
		"purged", st.Purged,
	)
	return waitErr
}

// openInput opens path, or returns stdin for "-".
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == stdinInput {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { f.Close() }, nil //nolint:errcheck // Read-only file
}

// errBadSample marks an input line that is not a JSON object.
var errBadSample = errors.New("sample is not a JSON object")

// stampFunc fills in the fields the uplink owns and returns the payload to
// send. Every other field of the line is passed through untouched.
type stampFunc func(ctx context.Context, line []byte) (telemetry.Payload, error)

// sampleStamper sets device_id, v and the next persistent seq, and fills
// operator_code, equipment_tag, ts_utc and timestamp only where the line
// lacks them.
func sampleStamper(ids *identity.Store, deviceID string, dev config.DeviceConfig) stampFunc {
	return func(ctx context.Context, line []byte) (telemetry.Payload, error) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(line, &fields); err != nil {
			return telemetry.Payload{}, fmt.Errorf("%w: %w", errBadSample, err)
		}
		if fields == nil {
			return telemetry.Payload{}, errBadSample
		}

		seq, err := ids.NextSequence(ctx)
		if err != nil {
			return telemetry.Payload{}, err
		}
		now := time.Now()

		set := func(key string, v any) {
			b, _ := json.Marshal(v) //nolint:errcheck // Strings and integers always encode
			fields[key] = b
		}
		setMissing := func(key string, v any) {
			if _, ok := fields[key]; !ok {
				set(key, v)
			}
		}

		set("seq", seq)
		set("device_id", deviceID)
		set("v", telemetry.PayloadVersion)
		if dev.OperatorCode != "" {
			setMissing("operator_code", dev.OperatorCode)
		}
		if dev.EquipmentTag != "" {
			setMissing("equipment_tag", dev.EquipmentTag)
		}

		tsUTC := now.UnixMilli()
		if raw, ok := fields["ts_utc"]; ok {
			_ = json.Unmarshal(raw, &tsUTC) //nolint:errcheck // Keep now on a malformed value
		} else {
			set("ts_utc", tsUTC)
		}
		setMissing("timestamp", time.UnixMilli(tsUTC).UTC().Format(time.RFC3339Nano))

		stamped, err := json.Marshal(fields)
		if err != nil {
			return telemetry.Payload{}, fmt.Errorf("encoding sample: %w", err)
		}
		return telemetry.Parse(stamped)
	}
}

// replay submits one sample per non-blank input line. Lines that fail to
// decode are logged and skipped. Returns nil at EOF or on cancellation.
func replay(ctx context.Context, r io.Reader, interval time.Duration, stamp stampFunc, svc *delivery.Service, log *logging.Logger) error {
	br := bufio.NewReader(r)
	var sent, skipped int
	defer func() {
		log.Info("input finished", "sent", sent, "skipped", skipped)
	}()

	for lineNo := 1; ; lineNo++ {
		if ctx.Err() != nil {
			return nil
		}
		line, readErr := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if ok := submitLine(ctx, line, lineNo, stamp, svc, log); ok {
				sent++
			} else {
				skipped++
			}
			if interval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", readErr)
		}
	}
}

func submitLine(ctx context.Context, line []byte, lineNo int, stamp stampFunc, svc *delivery.Service, log *logging.Logger) bool {
	p, err := stamp(ctx, bytes.TrimSpace(line))
	if errors.Is(err, errBadSample) {
		log.Warn("skipping input line", "line", lineNo, "error", err)
		return false
	}
	if err != nil {
		log.Error("assigning sequence failed", "line", lineNo, "error", err)
		return false
	}
	results, err := svc.Submit(ctx, p, p.Bytes())
	if err != nil {
		log.Error("sample not delivered or queued", "seq", p.Sequence, "error", err)
		return false
	}
	log.Debug("sample submitted", "seq", p.Sequence, "results", results, "queued", svc.QueueSize())
	return true
}
