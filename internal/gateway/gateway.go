// ABOUTME: Gateway wires the turn pipeline to HTTP and gRPC listeners
// ABOUTME: Owns the server lifecycle: listeners, optional tailnet node, graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/rag-gateway/internal/agentrun"
	"github.com/2389/rag-gateway/internal/auth"
	"github.com/2389/rag-gateway/internal/chat"
	"github.com/2389/rag-gateway/internal/config"
	"github.com/2389/rag-gateway/internal/dedupe"
	"github.com/2389/rag-gateway/internal/metrics"
	"github.com/2389/rag-gateway/internal/store"
)

// Gateway serves the chat and history API.
type Gateway struct {
	config       *config.Config
	store        store.Store
	driver       string
	orchestrator *chat.Orchestrator
	chart        agentrun.Capability
	resolver     *auth.Resolver
	limiter      *turnLimiter
	dedupe       *dedupe.Cache
	metrics      *metrics.Metrics
	closers      []func() error
	// turns counts chat handlers that may still write to the store.
	turns sync.WaitGroup

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	m := metrics.New()
	c, err := buildComponents(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	g, err := assemble(cfg, c, logger)
	if err != nil {
		_ = c.store.Close()
		return nil, err
	}
	return g, nil
}

// assemble builds the Gateway around already constructed components.
func assemble(cfg *config.Config, c *components, logger *slog.Logger) (*Gateway, error) {
	resolver, err := buildResolver(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)

	g := &Gateway{
		config:   cfg,
		store:    c.store,
		driver:   c.driver,
		chart:    c.chart,
		resolver: resolver,
		limiter:  newTurnLimiter(cfg.Limits.TurnsPerMinute, cfg.Limits.Burst),
		dedupe:   cache,
		metrics:  c.metrics,
		closers:  c.closers,
		now:      time.Now,
		logger:   logger.With("component", "gateway"),
	}
	g.orchestrator = chat.New(c.store, c.agent,
		chat.WithTitler(c.titler),
		chat.WithDeduper(cache),
		chat.WithObserver(c.metrics),
		chat.WithHistoryMessages(cfg.Agent.HistoryMessages),
		chat.WithLogger(logger),
	)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	g.grpcServer, g.health = newHealthServer()

	return g, nil
}

func buildResolver(cfg config.AuthConfig, logger *slog.Logger) (*auth.Resolver, error) {
	opts := auth.Options{
		AllowAnonymous: cfg.AllowAnonymous,
		Logger:         logger,
	}
	if cfg.PrincipalHeaderTrusted() {
		opts.PrincipalHeader = cfg.PrincipalHeader
	} else if cfg.PrincipalHeader != "" {
		logger.Info("principal header ignored; set auth.trust_principal_header to accept it", "header", cfg.PrincipalHeader)
	}
	if cfg.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		opts.Verifier = v
	}
	admin, err := auth.NewAdminCredential(cfg.AdminTokenHash)
	if err != nil {
		return nil, fmt.Errorf("loading admin credential: %w", err)
	}
	opts.Admin = admin

	if cfg.AllowAnonymous {
		logger.Warn("anonymous access enabled; callers without identity share one history scope")
	}
	if !admin.Enabled() {
		logger.Info("no admin_token_hash configured; cross-owner history operations are disabled")
	}
	return auth.NewResolver(opts), nil
}

// Run serves until ctx is cancelled or a listener fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		g.watchStore(egCtx, 30*time.Second)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown uses a fresh context because the serving context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}

	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)
	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.config.Server.GRPCAddr == "" {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "rag-gateway", "tailscale"), nil
}

// setupTailscaleListeners joins the tailnet and listens on :80 (and :50051 for
// gRPC health when grpc_addr is set). TCP addresses are not used.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	if g.config.Server.GRPCAddr == "" {
		return httpLn, nil, nil
	}
	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = httpLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLn, grpcLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// turnDrainTimeout bounds how long Shutdown waits for cancelled turns.
const turnDrainTimeout = 5 * time.Second

// waitForTurns reports whether all chat handlers returned within d.
func (g *Gateway) waitForTurns(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, then releases the store and data source.
// Turns still streaming when ctx expires have their connections closed, which
// cancels them before their final write; the store is closed only after
// their handlers return or turnDrainTimeout elapses.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = appendCloseError(errs, "HTTP shutdown", err)
		_ = g.httpServer.Close()
	}
	if !g.waitForTurns(turnDrainTimeout) {
		g.logger.Warn("closing store with turns still running")
	}

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	for _, c := range g.closers {
		errs = appendCloseError(errs, "data source close", c())
	}
	g.dedupe.Close()

	return errors.Join(errs...)
}
