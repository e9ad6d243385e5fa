package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/slipway-sh/slipway/internal/audit"
	"github.com/slipway-sh/slipway/internal/config"
	"github.com/slipway-sh/slipway/internal/db"
	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/logging"
	"github.com/slipway-sh/slipway/internal/messaging"
	"github.com/slipway-sh/slipway/internal/pipeline"
	"github.com/slipway-sh/slipway/internal/scan"
	httpserver "github.com/slipway-sh/slipway/internal/server"
	"github.com/slipway-sh/slipway/internal/source"
	"github.com/slipway-sh/slipway/internal/store"
	"github.com/slipway-sh/slipway/internal/vault"
)

func main() {
	// A missing .env file is fine; flags and real env still apply.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "slipway-server",
		Usage: "Deployment pipeline server: builds, scans and deploys containers from git.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the pipeline server and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address", Sources: cli.EnvVars("SLIPWAY_HTTP_ADDR")},
					&cli.StringFlag{Name: "db-path", Value: "slipway.db", Usage: "Path to the SQLite database file", Sources: cli.EnvVars("SLIPWAY_DB_PATH")},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "NATS server bind address (host:port)", Sources: cli.EnvVars("SLIPWAY_NATS_ADDR")},
					&cli.StringFlag{Name: "work-dir", Value: "/var/lib/slipway/work", Usage: "Base directory for source checkouts", Sources: cli.EnvVars("SLIPWAY_WORK_DIR")},
					&cli.StringFlag{Name: "key-file", Usage: "Path to the 32-byte secret encryption key", Required: true, Sources: cli.EnvVars("SLIPWAY_KEY_FILE")},
					&cli.StringFlag{Name: "scanner-socket", Usage: "Unix socket of an external image scanner (empty disables scanning)", Sources: cli.EnvVars("SLIPWAY_SCANNER_SOCKET")},
					&cli.IntFlag{Name: "workers", Value: 10, Usage: "Worker pool size and queue capacity", Sources: cli.EnvVars("SLIPWAY_WORKERS")},
					&cli.DurationFlag{Name: "run-timeout", Value: 30 * time.Minute, Usage: "Whole-run deadline", Sources: cli.EnvVars("SLIPWAY_RUN_TIMEOUT")},
					&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("SLIPWAY_LOG_LEVEL")},
					&cli.StringFlag{Name: "log-format", Value: "json", Usage: "Log format (json or console)", Sources: cli.EnvVars("SLIPWAY_LOG_FORMAT")},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	log, err := logging.Init(cmd.String("log-level"), cmd.String("log-format"))
	if err != nil {
		return err
	}
	defer logging.Sync()
	log.Info("starting slipway server")

	cfg := config.Default()
	cfg.WorkDir = cmd.String("work-dir")
	cfg.QueueCapacity = int(cmd.Int("workers"))
	cfg.RunTimeout = cmd.Duration("run-timeout")
	if err := cfg.Validate(); err != nil {
		return err
	}

	gdb, err := db.NewDatabase(cmd.String("db-path"))
	if err != nil {
		return fmt.Errorf("could not initialize database: %w", err)
	}

	v, err := vault.Open(cmd.String("key-file"))
	if err != nil {
		return fmt.Errorf("could not open secret vault: %w", err)
	}

	rt, err := docker.NewClient()
	if err != nil {
		return fmt.Errorf("could not connect to container runtime: %w", err)
	}

	fetcher, err := source.NewFetcher(cfg.WorkDir)
	if err != nil {
		return err
	}

	var scanner scan.Scanner = scan.Static{}
	if socket := cmd.String("scanner-socket"); socket != "" {
		scanner = scan.NewRemote(socket)
		log.Info("using external image scanner", zap.String("socket", socket))
	}

	ns, natsURL, err := startEmbeddedNATS(cmd.String("nats-addr"))
	if err != nil {
		return err
	}
	defer ns.Shutdown()
	log.Info("embedded NATS server started", zap.String("url", natsURL))

	nc, err := messaging.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("could not connect to NATS: %w", err)
	}
	defer nc.Close()

	engine, err := pipeline.New(pipeline.Options{
		Store:   store.New(gdb),
		Runtime: rt,
		Fetcher: fetcher,
		Vault:   v,
		Scanner: scanner,
		Audit:   audit.NewNATSLogger(nc),
		Config:  cfg,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	reconciler := pipeline.NewReconciler(engine, cfg.WorkDir, cfg.ReconcileInterval)
	reconciler.Start()
	defer reconciler.Stop()

	sub, err := nc.Subscribe(messaging.SubjectTriggerDeploy, deployTriggerHandler(engine, log))
	if err != nil {
		return fmt.Errorf("could not subscribe to deploy triggers: %w", err)
	}
	defer sub.Unsubscribe()

	srv := &http.Server{
		Addr:    cmd.String("http-addr"),
		Handler: httpserver.Router(engine),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func startEmbeddedNATS(addr string) (*server.Server, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid nats-addr format: %w", err)
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return nil, "", fmt.Errorf("invalid nats-addr port: %w", err)
	}
	ns, err := server.NewServer(&server.Options{Host: host, Port: portInt})
	if err != nil {
		return nil, "", fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, "", fmt.Errorf("embedded NATS server did not become ready")
	}
	return ns, ns.ClientURL(), nil
}

// deployTriggerHandler serves webhook-style triggers published by external
// build systems on the deploy subject.
func deployTriggerHandler(engine *pipeline.Engine, log *zap.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var trigger messaging.DeployTrigger
		if err := json.Unmarshal(msg.Data, &trigger); err != nil {
			log.Warn("dropping malformed deploy trigger", zap.Error(err))
			return
		}
		actor := trigger.Actor
		if actor == "" {
			actor = "webhook"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		runID, err := engine.TriggerByName(ctx, actor, trigger.Owner, trigger.Name, trigger.Commit)
		if err != nil {
			log.Warn("deploy trigger rejected",
				zap.String("owner", trigger.Owner),
				zap.String("name", trigger.Name),
				zap.Error(err))
			return
		}
		log.Info("deploy trigger accepted",
			zap.String("owner", trigger.Owner),
			zap.String("name", trigger.Name),
			zap.Uint("run_id", runID))
	}
}
