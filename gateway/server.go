// Package gateway is the HTTP front end. It decodes JSON-RPC requests into
// envelopes, routes them through the worker runtime, task store, and webhook
// engine, and serves task subscriptions over SSE.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/agentgate/cluster"
	"github.com/AltairaLabs/agentgate/config"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/push"
	"github.com/AltairaLabs/agentgate/registry"
	"github.com/AltairaLabs/agentgate/taskstore"
	"github.com/AltairaLabs/agentgate/worker"
)

const readHeaderTimeout = 10 * time.Second

// Options carries the server's collaborators. Config, Registry, PushConfigs,
// Store, Supervisor, Notifier, Directory, and Node are required.
type Options struct {
	Config      *config.Config
	Registry    *registry.Registry
	PushConfigs *registry.PushConfigs
	Store       *taskstore.Store
	Supervisor  *worker.Supervisor
	Notifier    *push.Notifier
	Directory   cluster.Directory
	Node        cluster.Node

	// Client is the outbound HTTP client used for agent card fetches.
	Client *http.Client
	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	configs  *registry.PushConfigs
	store    *taskstore.Store
	sup      *worker.Supervisor
	notifier *push.Notifier
	dir      cluster.Directory
	node     cluster.Node
	client   *http.Client
	metrics  http.Handler

	httpServer *http.Server
}

// NewServer builds the gateway server from its collaborators.
func NewServer(opts Options) *Server {
	client := opts.Client
	if client == nil {
		client = worker.NewHTTPClient(opts.Config.HTTP.PoolSize)
	}
	s := &Server{
		cfg:      opts.Config,
		reg:      opts.Registry,
		configs:  opts.PushConfigs,
		store:    opts.Store,
		sup:      opts.Supervisor,
		notifier: opts.Notifier,
		dir:      opts.Directory,
		node:     opts.Node,
		client:   client,
		metrics:  opts.Metrics,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Config.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the gateway's routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", requireMethod(http.MethodPost, s.handleRPC))
	mux.HandleFunc("/health", requireMethod(http.MethodGet, s.handleHealth))
	if s.metrics != nil {
		mux.HandleFunc("/metrics", requireMethod(http.MethodGet, s.metrics.ServeHTTP))
	}
	return mux
}

// requireMethod rejects requests whose method differs, matching the
// method-qualified mux patterns available from Go 1.22.
func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// Serve runs the HTTP listener until ctx is canceled, then drains: the
// listener stops, in-flight requests get a grace period, and the worker
// supervisor shuts its workers down.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gateway listening", "addr", s.httpServer.Addr, "node_id", s.node.ID)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := s.sup.Shutdown(shutdownCtx); err != nil {
			logger.Warn("supervisor shutdown", "error", err)
		}
		s.notifier.Wait()
		return nil
	})
	return g.Wait()
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status       string `json:"status"`
	Mode         string `json:"mode"`
	Node         string `json:"node"`
	ClusterSize  int    `json:"cluster_size"`
	LocalWorkers int    `json:"local_workers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "standalone"
	if s.cfg.Cluster.RedisAddr != "" {
		mode = "cluster"
	}
	size := 1
	if nodes, err := s.dir.Nodes(r.Context()); err == nil {
		size = len(nodes)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:       "ok",
		Mode:         mode,
		Node:         s.node.ID,
		ClusterSize:  size,
		LocalWorkers: s.sup.LocalCount(),
	})
}
