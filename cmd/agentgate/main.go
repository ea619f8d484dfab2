// Command agentgate runs the agent gateway: a JSON-RPC front end that routes
// calls to registered remote agents through per-agent workers with circuit
// breaking, streams task updates over SSE, and delivers signed webhooks.
//
// Usage:
//
//	agentgate -config gateway.yaml
//
// With cluster.redisAddr configured, multiple gateway nodes share agent
// placement through Redis; otherwise the gateway runs standalone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/AltairaLabs/agentgate/cluster"
	"github.com/AltairaLabs/agentgate/config"
	"github.com/AltairaLabs/agentgate/gateway"
	"github.com/AltairaLabs/agentgate/logger"
	prom "github.com/AltairaLabs/agentgate/metrics/prometheus"
	"github.com/AltairaLabs/agentgate/push"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/taskstore"
	"github.com/AltairaLabs/agentgate/telemetry"
	"github.com/AltairaLabs/agentgate/version"
	"github.com/AltairaLabs/agentgate/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the gateway config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersionInfo())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agentgate:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Configure(&logger.LoggingConfigSpec{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		CommonFields: map[string]string{"node_id": cfg.Cluster.NodeID},
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.SetupPropagation()
	if cfg.Tracing.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	bus := telemetry.NewBus()
	bus.Attach(prom.NewMetricsListener().Listener())
	exporter := prom.NewExporter(cfg.Server.Addr)

	node := cluster.Node{ID: cfg.Cluster.NodeID, Addr: cfg.Cluster.AdvertiseAddr}
	dir, err := buildDirectory(ctx, cfg, node)
	if err != nil {
		return err
	}

	reg := registry.New()
	for i := range cfg.Agents {
		if err := reg.Upsert(&cfg.Agents[i]); err != nil {
			return fmt.Errorf("preloading agent %q: %w", cfg.Agents[i].ID, err)
		}
	}
	configs := registry.NewPushConfigs()
	store := taskstore.New(
		taskstore.WithQueueSize(cfg.Subscriber.QueueSize),
		taskstore.WithTelemetry(bus),
	)

	client := worker.NewHTTPClient(cfg.HTTP.PoolSize)
	sup := worker.NewSupervisor(reg, dir, node, worker.Options{
		Client: client,
		Store:  store,
		Bus:    bus,
		NodeID: node.ID,
		Defaults: worker.Defaults{
			MaxInFlight:      cfg.Agent.MaxInFlight,
			FailureThreshold: cfg.Agent.FailureThreshold,
			FailureWindow:    time.Duration(cfg.Agent.FailureWindowMs) * time.Millisecond,
			Cooldown:         time.Duration(cfg.Agent.CooldownMs) * time.Millisecond,
			CallTimeout:      cfg.CallTimeout(),
		},
	})

	engine := push.NewEngine(
		push.WithClient(client),
		push.WithTelemetry(bus),
		push.WithMaxAttempts(cfg.Push.MaxAttempts),
		push.WithRetryBase(cfg.RetryBase()),
		push.WithTimeout(cfg.CallTimeout()),
		push.WithJWTDefaults(
			time.Duration(cfg.Push.JWTTTLSeconds)*time.Second,
			time.Duration(cfg.Push.JWTSkewSeconds)*time.Second,
		),
	)
	notifier := push.NewNotifier(store, configs, engine)

	server := gateway.NewServer(gateway.Options{
		Config:      cfg,
		Registry:    reg,
		PushConfigs: configs,
		Store:       store,
		Supervisor:  sup,
		Notifier:    notifier,
		Directory:   dir,
		Node:        node,
		Client:      client,
		Metrics:     exporter.Handler(),
	})

	attrs := append(version.GetBuildInfo(),
		"addr", cfg.Server.Addr,
		"agents", len(cfg.Agents))
	logger.Info("starting agentgate", attrs...)
	return server.Serve(ctx)
}

// buildDirectory selects cluster membership: Redis when configured, a
// single-node local directory otherwise.
func buildDirectory(ctx context.Context, cfg *config.Config, node cluster.Node) (cluster.Directory, error) {
	if cfg.Cluster.RedisAddr == "" {
		return cluster.NewLocalDirectory(node), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Cluster.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Cluster.RedisAddr, err)
	}

	var opts []cluster.RedisOption
	if cfg.Cluster.KeyPrefix != "" {
		opts = append(opts, cluster.WithPrefix(cfg.Cluster.KeyPrefix))
	}
	dir := cluster.NewRedisDirectory(client, opts...)
	if err := dir.RegisterNode(ctx, node); err != nil {
		return nil, fmt.Errorf("registering node %s: %w", node.ID, err)
	}
	return dir, nil
}
