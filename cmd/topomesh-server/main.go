package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/urfave/cli/v2"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/mount"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/internal/core/topology"
	"github.com/yndnr/topomesh-go/internal/core/txproxy"
	"github.com/yndnr/topomesh-go/internal/infra/buildinfo"
	"github.com/yndnr/topomesh-go/internal/infra/confloader"
	"github.com/yndnr/topomesh-go/internal/infra/shutdown"
	"github.com/yndnr/topomesh-go/internal/server/adminserver"
	"github.com/yndnr/topomesh-go/internal/server/clusterserver"
	"github.com/yndnr/topomesh-go/internal/server/config"
	"github.com/yndnr/topomesh-go/internal/server/httpserver"
	"github.com/yndnr/topomesh-go/internal/storage"
	"github.com/yndnr/topomesh-go/internal/telemetry/logger"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
	"github.com/yndnr/topomesh-go/pkg/seal"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:    "topomesh-server",
		Usage:   "clustered device mount coordinator",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				EnvVars: []string{"TOPOMESH_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "set",
				Usage: "override a configuration key (section.key=value), repeatable",
			},
		},
		Action: func(c *cli.Context) error {
			overrides, err := parseOverrides(c.StringSlice("set"))
			if err != nil {
				return err
			}
			return run(c.Context, c.String("config"), overrides)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string, overrides map[string]any) error {
	cfg, err := loadConfig(configFile, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting topomesh-server",
		"version", info.Version,
		"commit", info.Commit,
		"config", configFile)
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	shutdownHandler := shutdown.NewHandler(shutdownTimeout, log)
	if err := start(cfg, configFile, overrides, log, shutdownHandler); err != nil {
		// Unwind whatever started before the failure.
		return errors.Join(err, shutdownHandler.Run())
	}

	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// start assembles the member. Every started component registers its
// shutdown hook before the next one starts.
func start(cfg *config.ServerConfig, configFile string, overrides map[string]any, log *slog.Logger, sh *shutdown.Handler) error {
	metrics := metric.NewRegistry()

	var sealer *seal.Sealer
	if cfg.Security.CredentialKey != "" {
		s, err := seal.NewFromHex(cfg.Security.CredentialKey)
		if err != nil {
			return fmt.Errorf("credential key: %w", err)
		}
		sealer = s
	} else {
		log.Warn("security.credential_key is empty, device passwords are stored unsealed")
	}

	datastore, err := initStorage(cfg, metrics, log)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	sh.OnShutdown("storage", func(context.Context) error {
		return datastore.Close()
	})

	httpClient := &http.Client{Timeout: cfg.Mount.AskTimeout + 5*time.Second}
	clusterCfg, err := config.ToClusterConfig(cfg, httpClient, metrics, log.With("component", "cluster"))
	if err != nil {
		return err
	}
	cluster, err := clusterserver.New(clusterCfg)
	if err != nil {
		return fmt.Errorf("init cluster: %w", err)
	}
	sh.OnShutdown("cluster", func(context.Context) error {
		return cluster.Shutdown()
	})
	metrics.Prometheus().MustRegister(metric.NewCollector(cluster.Stats))

	coordinator := ownership.NewCoordinator(ownership.CoordinatorConfig{
		Primitive: cluster.Election(),
		Logger:    log.With("component", "ownership"),
	})
	sh.OnShutdown("ownership", func(context.Context) error {
		coordinator.Close()
		return nil
	})

	tracker := peer.NewTracker(peer.Config{
		Self:         domain.Member{ID: cfg.Node.ID, RPCAddr: cfg.Cluster.RPCAddr},
		TopologyID:   cfg.Node.TopologyID,
		Dialer:       clusterserver.NewDialer(httpClient),
		ProbeBackoff: cfg.Topology.ProbeBackoff,
		Metrics:      metrics,
		Logger:       log.With("component", "peers"),
	})
	sh.OnShutdown("peers", func(context.Context) error {
		tracker.Close()
		return nil
	})

	mounts := mount.NewManager(mount.Config{
		Coordinator: coordinator,
		Peers:       tracker,
		Connector: storage.NewConnector(storage.ConnectorConfig{
			Datastore: datastore,
			Probe:     cfg.Mount.ProbeDevices,
			Logger:    log.With("component", "connector"),
		}),
		Executors:     txproxy.NewRegistry(),
		Sealer:        sealer,
		AskTimeout:    cfg.Mount.AskTimeout,
		TxIdleTimeout: cfg.Mount.TxIdleTimeout,
		Metrics:       metrics,
		Logger:        log.With("component", "mount"),
	})
	sh.OnShutdown("mounts", func(context.Context) error {
		return mounts.Close()
	})

	topo := topology.NewManager(topology.Config{
		TopologyID:    cfg.Node.TopologyID,
		Coordinator:   coordinator,
		Local:         mounts,
		Peers:         tracker,
		Store:         cluster.Store(),
		Nodes:         cluster.Store(),
		FanoutTimeout: cfg.Topology.FanoutTimeout,
		ResyncRate:    cfg.Topology.ResyncRate,
		Metrics:       metrics,
		Logger:        log.With("component", "topology"),
	})
	sh.OnShutdown("topology", func(context.Context) error {
		topo.Close()
		return nil
	})

	tracker.SetResyncer(topo)
	tracker.OnChange(mounts.PeersChanged)
	cluster.Subscribe(tracker.HandleEvent)

	admin := adminserver.New(adminserver.Config{
		Nodes:   cluster.Store(),
		Cluster: cluster,
		Mounts:  mounts,
		Sealer:  sealer,
		Logger:  log.With("component", "admin"),
	})

	clusterHandler := cluster.Handler(clusterserver.TopologyBackend{
		Prober:   tracker,
		Nodes:    mounts,
		Master:   topo,
		Executor: mounts.Executors(),
	})
	adminPrefix, adminHandler := admin.Handler(
		connect.WithInterceptors(clusterserver.DefaultInterceptors(log.With("component", "admin-rpc"), metrics)...),
	)

	var metricsHandler http.Handler
	if cfg.Telemetry.MetricsAddr == "" {
		metricsHandler = metrics.Handler()
	}

	router := httpserver.NewRouter(httpserver.RouterConfig{
		Routes: []httpserver.Route{
			{Prefix: "/" + clusterserver.ClusterServiceName + "/", Handler: clusterHandler},
			{Prefix: "/" + clusterserver.TopologyServiceName + "/", Handler: clusterHandler},
			{Prefix: adminPrefix, Handler: adminHandler, Admin: true},
		},
		Metrics:        metricsHandler,
		Ready:          readiness(cluster),
		AdminAllowList: cfg.Security.AdminAllowList,
		RateLimit:      cfg.Security.AdminRateLimit,
		Logger:         log.With("component", "http"),
	})

	rpcServer, err := httpserver.New(httpserver.Config{
		Addr:   cfg.Cluster.RPCAddr,
		Logger: log,
	}, router)
	if err != nil {
		return fmt.Errorf("rpc listener: %w", err)
	}
	serve(rpcServer, "rpc", log, sh)

	if cfg.Telemetry.MetricsAddr != "" {
		metricsServer, err := httpserver.New(httpserver.Config{
			Addr:   cfg.Telemetry.MetricsAddr,
			Logger: log,
		}, httpserver.NewRouter(httpserver.RouterConfig{
			Metrics: metrics.Handler(),
			Ready:   readiness(cluster),
			Logger:  log.With("component", "metrics"),
		}))
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		serve(metricsServer, "metrics", log, sh)
	}

	if err := cluster.Start(cfg.Cluster.Seeds); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if err := topo.Start(context.Background()); err != nil {
		return err
	}

	if configFile != "" {
		if err := watchLogLevel(configFile, overrides, log, sh); err != nil {
			log.Warn("configuration watcher disabled", "error", err)
		}
	}

	log.Info("member started",
		"node_id", cfg.Node.ID,
		"topology_id", cfg.Node.TopologyID,
		"rpc_addr", rpcServer.Addr(),
		"seeds", cfg.Cluster.Seeds)
	return nil
}

// loadConfig layers defaults, file, environment and overrides.
func loadConfig(configFile string, overrides map[string]any) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	if len(overrides) > 0 {
		opts = append(opts, confloader.WithOverrides(overrides))
	}

	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func initStorage(cfg *config.ServerConfig, metrics *metric.Registry, log *slog.Logger) (*storage.Datastore, error) {
	storageCfg := storage.DefaultConfig(cfg.Storage.DataDir)
	if cfg.Storage.GCInterval > 0 {
		storageCfg.Badger.GCInterval = cfg.Storage.GCInterval
	}

	ds, err := storage.Open(storageCfg, log.With("component", "storage"))
	if err != nil {
		return nil, err
	}
	return ds.RegisterMetrics(metrics.Prometheus()), nil
}

// serve runs srv until shutdown. A listener failure shuts the member down.
func serve(srv *httpserver.Server, name string, log *slog.Logger, sh *shutdown.Handler) {
	sh.OnShutdown(name+" listener", srv.Shutdown)
	go func() {
		log.Info("listening", "listener", name, "addr", srv.Addr())
		if err := srv.Serve(); err != nil {
			sh.Trigger(fmt.Errorf("%s listener: %w", name, err))
		}
	}()
}

// readiness reports ready once a raft leader is known.
func readiness(cluster *clusterserver.Server) func() error {
	return func() error {
		if cluster.Status().LeaderID == "" {
			return errors.New("no raft leader")
		}
		return nil
	}
}

// watchLogLevel reloads the configuration file on change and applies the
// log level. Other settings need a restart.
func watchLogLevel(configFile string, overrides map[string]any, log *slog.Logger, sh *shutdown.Handler) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return err
	}
	if err := w.Watch(configFile); err != nil {
		w.Stop()
		return err
	}
	w.OnChange(func(string) {
		cfg, err := loadConfig(configFile, overrides)
		if err != nil {
			log.Warn("configuration reload rejected", "error", err)
			return
		}
		if cfg.Log.Level == logger.GetLevel() {
			return
		}
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("log level not applied", "error", err)
			return
		}
		log.Info("log level changed", "level", cfg.Log.Level)
	})
	w.StartAsync()
	sh.OnShutdown("config watcher", func(context.Context) error {
		return w.Stop()
	})
	return nil
}

// parseOverrides turns section.key=value pairs into loader overrides.
func parseOverrides(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || !strings.Contains(key, ".") {
			return nil, fmt.Errorf("invalid override %q, want section.key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
