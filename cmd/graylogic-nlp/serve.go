package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-nlp/internal/classifier"
	"github.com/nerrad567/gray-logic-nlp/internal/gateway"
	"github.com/nerrad567/gray-logic-nlp/internal/history"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-nlp/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-nlp/migrations"
)

// healthInterval is how often serve checks its dependencies.
const healthInterval = 30 * time.Second

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the classifier service and its MQTT gateway",
		Long: `Starts the classifier worker under supervision and serves requests from
graylogic/nlp/request/classifier/+ until SIGINT or SIGTERM.
SIGHUP restarts the worker without dropping in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}
}

// runServe wires every enabled component, blocks until ctx is done, then
// tears down in reverse order.
func runServe(ctx context.Context, cfg *config.Config, log *logging.Logger) error { //nolint:gocognit,gocyclo // linear startup sequence
	log.Info("starting Gray Logic NLP bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	var recorders classifier.MultiRecorder
	var checks []namedCheck

	// Classification history
	if cfg.Database.Enabled {
		db, err := openHistoryDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		recorders = append(recorders, history.NewSQLiteRepository(db.DB))
		checks = append(checks, namedCheck{"database", db.HealthCheck})
		log.Info("database connected", "path", cfg.Database.Path)
	}

	// Outcome metrics
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		var err error
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write failed", "error", err)
		})
		recorders = append(recorders, metricsRecorder(influxClient))
		checks = append(checks, namedCheck{"influxdb", influxClient.HealthCheck})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Classifier service
	svc := classifier.NewService(serviceConfig(cfg, recorders, log))
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting classifier: %w", err)
	}
	defer func() {
		log.Info("stopping classifier")
		svc.Stop()
	}()
	log.Info("classifier started", "worker", cfg.Worker.Binary, "framing", cfg.Transport.Framing, "encoding", cfg.Transport.Encoding)

	// MQTT gateway
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		checks = append(checks, namedCheck{"mqtt", mqttClient.HealthCheck})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		gw := gateway.New(svc, mqttClient, gateway.Config{
			QoS:         mqttClient.QoS(),
			MaxInflight: int64(cfg.MQTT.MaxInflight),
			Logger:      log.With("component", "gateway"),
			OnHealth: func(h gateway.Health) {
				influxClient.WriteWorkerSample(workerSample(h.Status))
			},
		})
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
		defer gw.Stop()
	}

	log.Info("Gray Logic NLP bridge started successfully")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reloadOnHangup(gctx, svc, log) })
	g.Go(func() error { return watchHealth(gctx, checks, svc, influxClient, log) })

	err := g.Wait()
	log.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openHistoryDB(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// metricsRecorder writes each outcome as an InfluxDB point.
func metricsRecorder(c *influxdb.Client) classifier.Recorder {
	return classifier.RecorderFunc(func(_ context.Context, o classifier.Outcome) error {
		c.WriteClassification(string(o.Status), o.Class(), o.Duration)
		return nil
	})
}

func workerSample(st classifier.ServiceStatus) influxdb.WorkerSample {
	s := influxdb.WorkerSample{
		Name:     "classifier",
		Running:  st.State == classifier.ServiceRunning,
		Restarts: st.Restarts,
	}
	if st.Bridge != nil {
		s.Pending = st.Bridge.Pending
		s.Unmatched = st.Bridge.Unmatched
	}
	if st.Process != nil {
		s.BytesIn = st.Process.BytesIn
		s.BytesOut = st.Process.BytesOut
	}
	return s
}

// reloadOnHangup restarts the worker on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, svc *classifier.Service, log *logging.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			log.Info("SIGHUP received, reloading classifier")
			if err := svc.Reload(); err != nil {
				log.Error("classifier reload failed", "error", err)
			}
		}
	}
}

type namedCheck struct {
	name  string
	check func(context.Context) error
}

// watchHealth periodically checks dependencies and samples the worker.
// Failures are logged; the service keeps running.
func watchHealth(ctx context.Context, checks []namedCheck, svc *classifier.Service, influxClient *influxdb.Client, log *logging.Logger) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, c := range checks {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.check(checkCtx); err != nil {
				log.Warn("health check failed", "component", c.name, "error", err)
			}
			cancel()
		}

		st := svc.Status()
		if !svc.Available() {
			log.Warn("classifier unavailable", "state", st.State, "attempts", st.Attempts)
		}
		influxClient.WriteWorkerSample(workerSample(st))
	}
}
