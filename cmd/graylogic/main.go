// Gray Logic Automation - rule engine for the Gray Logic hub.
//
// The process watches device state over MQTT, evaluates automation rules
// (time, solar, device state, event and interval triggers) and runs their
// actions back through the protocol bridges. Rules are stored in SQLite,
// can be seeded from a YAML file, and are managed over the REST API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-automation/internal/api"
	"github.com/nerrad567/gray-logic-automation/internal/audit"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/device"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-automation/internal/retry"
	"github.com/nerrad567/gray-logic-automation/internal/solar"
	"github.com/nerrad567/gray-logic-automation/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Housekeeping schedules, in cron syntax.
const (
	pruneSchedule     = "@daily"
	solarWarmSchedule = "5 0 * * *"

	dispatchDrainTimeout = 5 * time.Second
)

// options are the command-line flags.
type options struct {
	configPath  string
	rulesFile   string
	checkRules  bool
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	switch {
	case opts.showVersion:
		fmt.Printf("graylogic %s (commit %s, built %s)\n", version, commit, date)
		return
	case opts.checkRules:
		if err := checkRules(opts, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. The config path defaults to
// GRAYLOGIC_CONFIG, then configs/config.yaml.
func parseFlags(args []string, errOut io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("graylogic", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVarP(&opts.configPath, "config", "c", getConfigPath(), "path to the YAML configuration file")
	fs.StringVarP(&opts.rulesFile, "rules", "r", "", "YAML rule file to import at startup (overrides automation.rules_file)")
	fs.BoolVar(&opts.checkRules, "check-rules", false, "validate the rule file and exit")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// rulesPath picks the rule file: the flag wins over the config.
func rulesPath(opts options, cfg *config.Config) string {
	if opts.rulesFile != "" {
		return opts.rulesFile
	}
	if cfg != nil {
		return cfg.Automation.RulesFile
	}
	return ""
}

// checkRules parses and validates the rule file without touching the
// database or the network.
func checkRules(opts options, out io.Writer) error {
	path := opts.rulesFile
	if path == "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		path = cfg.Automation.RulesFile
	}
	if path == "" {
		return errors.New("no rule file given (use --rules or automation.rules_file)")
	}
	rules, err := automation.LoadRuleFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d rules OK\n", path, len(rules))
	return nil
}

// run is the application, separated from main for testability. It returns
// nil on clean shutdown.
func run(ctx context.Context, opts options) error { //nolint:gocognit,gocyclo // startup wiring is linear
	log := logging.Default()
	log.Info("starting Gray Logic Automation",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", opts.configPath, "level", cfg.Logging.Level)
	loc := cfg.Location()

	// Database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := automation.NewMetrics(promReg)

	// MQTT
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
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0..2

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Rules
	ruleRepo := automation.NewSQLiteRepository(db.DB)
	rules := automation.NewRegistry(ruleRepo)
	rules.SetLogger(log.Component("rules"))
	if refreshErr := rules.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading automations: %w", refreshErr)
	}
	if path := rulesPath(opts, cfg); path != "" {
		if importErr := importRuleFile(ctx, rules, path, log); importErr != nil {
			return importErr
		}
	}
	log.Info("automations loaded", "rules", rules.Count())

	auditRepo := audit.NewSQLiteRepository(db.DB)
	hub := api.NewHub(cfg.API.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)

	// Device state and commands
	cache := device.NewCache(device.WithLogger(log.Component("device")))
	sun := solar.NewCalculator(cfg.Site.Location.Latitude, cfg.Site.Location.Longitude, loc)
	sun.Warm(time.Now())

	var scheduler *automation.Scheduler
	gateway := device.NewGateway(mqttClient, cache, device.GatewayConfig{
		Source:     "automation",
		WaitForAck: cfg.Automation.CommandAck,
		QoS:        qos,
	},
		device.WithGatewayLogger(log.Component("gateway")),
		device.WithEventHandler(func(ev device.SystemEvent) {
			submit(scheduler, automation.Event{
				Type:      ev.Type,
				Source:    ev.Source,
				DeviceID:  ev.DeviceID,
				Data:      ev.Data,
				Timestamp: ev.Timestamp,
			}, log)
		}),
	)
	defer func() {
		log.Info("stopping device gateway")
		gateway.Stop()
	}()

	// Engine
	automationLog := log.Component("automation")
	evaluator := automation.NewEvaluator(cache, sun, automationLog)
	matcher := automation.NewMatcher(cache, sun, loc, cfg.Automation.SolarWindow, automationLog)
	executor := automation.NewExecutor(gateway, evaluator, automation.ExecutorConfig{
		CommandTimeout: cfg.Automation.CommandTimeout,
		Retry: retry.Config{
			MaxAttempts:  cfg.Automation.Retry.MaxAttempts,
			InitialDelay: cfg.Automation.Retry.InitialDelay,
			MaxDelay:     cfg.Automation.Retry.MaxDelay,
			Multiplier:   cfg.Automation.Retry.Multiplier,
			AddJitter:    true,
		},
		Location: loc,
	},
		automation.WithExecutorLogger(automationLog),
		automation.WithExecutorMetrics(metrics),
		automation.WithNotifier(automation.NotificationSink{Hub: hub, Bus: mqttClient, QoS: qos}),
		automation.WithWebhookSender(automation.NewHTTPWebhookSender()),
	)
	if err := executor.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting action dispatch: %w", err)
	}
	// Registered before the scheduler's Stop so queued notifications from
	// the last executions still drain.
	defer func() {
		if stopErr := executor.Stop(dispatchDrainTimeout); stopErr != nil {
			log.Warn("action dispatch did not drain", "error", stopErr)
		}
	}()

	sinks := automation.MultiSink{
		automation.HubSink{Hub: hub},
		automation.MQTTSink{Bus: mqttClient, QoS: qos},
		automation.AuditSink{Repo: auditRepo},
		automation.HistorySink{Store: ruleRepo},
	}
	if influxClient != nil {
		sinks = append(sinks, automation.MetricsSink{Writer: influxClient})
	}

	scheduler = automation.NewScheduler(automation.SchedulerConfig{
		TickInterval:     cfg.Automation.TickInterval,
		Workers:          cfg.Automation.Workers,
		QueueSize:        cfg.Automation.QueueSize,
		ExecutionTimeout: cfg.Automation.ExecutionTimeout,
		ShutdownGrace:    cfg.Automation.ShutdownGrace,
		Location:         loc,
	}, rules, matcher, evaluator, executor, automation.NewLedger(),
		automation.WithSchedulerLogger(automationLog),
		automation.WithSchedulerMetrics(metrics),
		automation.WithPoolMetrics(promReg),
		automation.WithSink(sinks),
	)

	if err := scheduleHousekeeping(scheduler, cfg, ruleRepo, auditRepo, sun, log); err != nil {
		return err
	}

	unsubscribe := cache.Subscribe(func(ch device.Change) {
		hub.Broadcast(api.ChannelDeviceState, ch)
		if influxClient != nil {
			influxClient.WriteDeviceChange(ch)
		}
		submit(scheduler, automation.EventFromChange(ch), log)
	})
	defer unsubscribe()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Automation.ShutdownGrace+5*time.Second)
		defer cancel()
		if stopErr := scheduler.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping scheduler", "error", stopErr)
		}
	}()

	if err := gateway.Start(); err != nil {
		return fmt.Errorf("starting device gateway: %w", err)
	}

	// API
	if cfg.API.Enabled {
		health := map[string]api.HealthChecker{"database": db, "mqtt": mqttClient}
		if influxClient != nil {
			health["influxdb"] = influxClient
		}
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     log.Component("api"),
			Rules:      rules,
			Runner:     scheduler,
			Executions: ruleRepo,
			Devices:    cache,
			Commands:   gateway,
			Audit:      auditRepo,
			Hub:        hub,
			Gatherer:   promReg,
			Registerer: promReg,
			Health:     health,
			Sun:        sun,
			Version:    version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	// Deferred calls unwind in reverse: API, scheduler (with its grace
	// period), gateway, InfluxDB, MQTT, database.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// submit hands an event to the scheduler. Drops are logged at debug level;
// the scheduler already counts them.
func submit(s *automation.Scheduler, ev automation.Event, log *logging.Logger) {
	if s == nil {
		return
	}
	if err := s.Submit(ev); err != nil {
		log.Debug("event not submitted", "type", ev.Type, "device_id", ev.DeviceID, "error", err)
	}
}

// importRuleFile seeds the registry from a YAML file. Existing rules with
// the same ID are updated in place.
func importRuleFile(ctx context.Context, rules *automation.Registry, path string, log *logging.Logger) error {
	parsed, err := automation.LoadRuleFile(path)
	if err != nil {
		return fmt.Errorf("loading rule file: %w", err)
	}
	created, updated, err := automation.ImportRules(ctx, rules, parsed)
	if err != nil {
		return fmt.Errorf("importing rule file: %w", err)
	}
	log.Info("rule file imported", "path", path, "created", created, "updated", updated)
	return nil
}

// scheduleHousekeeping registers the periodic maintenance jobs on the
// scheduler's cron: history and audit pruning, and solar table warm-up.
func scheduleHousekeeping(s *automation.Scheduler, cfg *config.Config, ruleRepo *automation.SQLiteRepository,
	auditRepo *audit.SQLiteRepository, sun *solar.Calculator, log *logging.Logger) error {
	retention := cfg.Automation.HistoryRetention
	if retention > 0 {
		if err := s.Schedule(pruneSchedule, "prune-history", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			before := time.Now().Add(-retention)
			if n, err := ruleRepo.PruneExecutions(ctx, before); err != nil {
				log.Warn("pruning executions failed", "error", err)
			} else if n > 0 {
				log.Info("pruned executions", "count", n)
			}
			if n, err := auditRepo.Prune(ctx, before); err != nil {
				log.Warn("pruning audit log failed", "error", err)
			} else if n > 0 {
				log.Info("pruned audit log", "count", n)
			}
		}); err != nil {
			return err
		}
	}
	return s.Schedule(solarWarmSchedule, "solar-warm", func() { sun.Warm(time.Now()) })
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
