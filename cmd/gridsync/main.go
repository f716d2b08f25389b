// Command gridsync serves one instance of the shared grid: websocket sync,
// HTTP reads and admin operations, Prometheus metrics and MCP admin tools.
//
//	gridsync [-config gridsync.yaml]
//	gridsync hash-password < password.txt
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"

	"github.com/hazyhaar/gridsync/admission"
	"github.com/hazyhaar/gridsync/audit"
	"github.com/hazyhaar/gridsync/auth"
	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/config"
	"github.com/hazyhaar/gridsync/engine"
	"github.com/hazyhaar/gridsync/fanout"
	"github.com/hazyhaar/gridsync/gateway"
	"github.com/hazyhaar/gridsync/gridcache"
	"github.com/hazyhaar/gridsync/kit"
	"github.com/hazyhaar/gridsync/mcpquic"
	"github.com/hazyhaar/gridsync/observability"
	"github.com/hazyhaar/gridsync/replay"
	"github.com/hazyhaar/gridsync/sched"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", os.Getenv("GRIDSYNC_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gridsync: fatal", "error", err)
		os.Exit(1)
	}
}

// hashPassword reads one line from stdin and prints its bcrypt hash, for
// auth.admin_password_hash.
func hashPassword() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("hash-password: read stdin: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	palette, err := cfg.PaletteColors()
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()

	// Cell store and cache. The cache is rebuilt from the store before any
	// connection is accepted.
	store, err := cellstore.Open(cfg.DBPath,
		cellstore.WithMkdirAll(),
		cellstore.WithGrid(cfg.Grid.Width, cfg.Grid.Height),
		cellstore.WithLogRetention(cfg.Grid.LogCeiling, cfg.Grid.LogRetain, cfg.Grid.TruncateEvery),
		cellstore.WithStatsTTL(cfg.Grid.StatsTTL),
		cellstore.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	auditLog := audit.NewSQLiteLogger(store.DB(), audit.WithLogger(logger))
	defer auditLog.Close()
	if err := auditLog.Init(); err != nil {
		return err
	}

	cache, err := gridcache.RebuildFromStore(ctx, store, cfg.Grid.Width, cfg.Grid.Height)
	if err != nil {
		return err
	}
	metrics.Occupied.Set(float64(cache.Count()))
	logger.Info("gridsync: cache rebuilt", "occupied", cache.Count(), "width", cfg.Grid.Width, "height", cfg.Grid.Height)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("gridsync: redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	// Fanout. Changes from sibling instances are mirrored into this
	// instance's cache; the engine is assigned before the hub runs.
	var eng *engine.Engine
	hubOpts := []fanout.Option{fanout.WithLogger(logger), fanout.WithObserver(metrics)}
	if cfg.Broadcast.Backend != "none" {
		hubOpts = append(hubOpts, fanout.WithApplier(func(ctx context.Context, typ string, payload json.RawMessage) error {
			return eng.ApplyRemote(ctx, typ, payload)
		}))
	}
	switch cfg.Broadcast.Backend {
	case "redis":
		hubOpts = append(hubOpts, fanout.WithBus(fanout.NewRedisBus(rdb, cfg.Broadcast.RedisChannel, logger)))
	case "quic":
		tlsCfg, err := fanout.MeshTLSConfig(cfg.Broadcast.QUICCert, cfg.Broadcast.QUICKey)
		if err != nil {
			return err
		}
		hubOpts = append(hubOpts, fanout.WithBus(fanout.NewQUICBus(cfg.Broadcast.QUICListen, cfg.Broadcast.QUICPeers, tlsCfg, logger)))
	}
	hub := fanout.NewHub(hubOpts...)
	logger.Info("gridsync: instance", "instance_id", hub.InstanceID(), "broadcast", cfg.Broadcast.Backend, "version", version)

	eng = engine.New(store, cache, hub,
		engine.WithPalette(palette),
		engine.WithLogger(logger),
		engine.WithObserver(metrics),
		engine.WithToolMiddleware(func(tool string) kit.Middleware {
			return audit.Middleware(auditLog, "mcp."+tool)
		}),
	)

	// Replay guard.
	guardOpts := []replay.Option{
		replay.WithFailClosed(cfg.Replay.FailClosed),
		replay.WithObserver(metrics),
		replay.WithLogger(logger),
	}
	var replayDB *replay.SQLiteBackend
	switch cfg.Replay.Backend {
	case "sqlite":
		replayDB, err = replay.OpenSQLite(cfg.Replay.SQLitePath)
		if err != nil {
			return err
		}
		defer replayDB.Close()
		guardOpts = append(guardOpts, replay.WithShared(replayDB))
	case "redis":
		guardOpts = append(guardOpts, replay.WithShared(replay.NewRedisBackend(rdb, "gridsync:replay:")))
	}
	guard, err := replay.New(cfg.Replay.Window, cfg.Replay.TTL, guardOpts...)
	if err != nil {
		return err
	}
	if guard.UsingSharedBackend() {
		metrics.ReplayShared.Set(1)
	}

	// Admission and liveness.
	admit, err := admission.New(cfg.Admission.PerSource, cfg.Admission.Global)
	if err != nil {
		return err
	}
	live, err := admission.NewLiveness(cfg.Heartbeat.Interval, cfg.Heartbeat.Grace, nil)
	if err != nil {
		return err
	}

	// MCP admin tools, served over HTTP and optionally QUIC.
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "gridsync", Version: version}, nil)
	eng.RegisterMCP(mcpSrv)

	settings := gateway.DefaultSettings()
	settings.RequireToken = cfg.Auth.RequireToken
	settings.TrustProxy = cfg.Admission.TrustProxy
	settings.PlaceRate = cfg.Gateway.PlaceRate
	settings.PlaceBurst = cfg.Gateway.PlaceBurst
	settings.MaxMessageBytes = cfg.Gateway.MaxMessageBytes
	settings.SendBuffer = cfg.Gateway.SendBuffer
	settings.WriteTimeout = cfg.Gateway.WriteTimeout
	settings.AllowedOrigins = cfg.Gateway.AllowedOrigins

	gwOpts := []gateway.Option{
		gateway.WithSettings(settings),
		gateway.WithMCP(mcpSrv),
		gateway.WithGatherer(metrics.Registry),
		gateway.WithHealth(store.DB().PingContext),
		gateway.WithAudit(auditLog),
		gateway.WithObserver(metrics),
		gateway.WithLogger(logger),
	}

	var issuer *auth.Issuer
	if cfg.Auth.TokenSecret != "" {
		issuer, err = auth.NewIssuer([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		hs := auth.NewHandshaker(auth.Ed25519Verifier{}, guard, issuer,
			auth.WithAdmins(cfg.Auth.AdminIdentities...),
			auth.WithHandshakeLogger(logger),
		)
		gwOpts = append(gwOpts,
			gateway.WithIssuer(issuer),
			gateway.WithHandshaker(hs),
			gateway.WithAdminPasswordHash(cfg.Auth.AdminPasswordHash),
		)
	} else {
		logger.Warn("gridsync: auth.token_secret unset, handshake and admin endpoints disabled")
	}

	srv := gateway.New(eng, hub, admit, live, gwOpts...)

	// Background loops. The engine outlives the HTTP server so queued
	// mutations finish before the store closes.
	engCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	engDone := make(chan struct{})
	go func() {
		defer close(engDone)
		eng.Run(engCtx)
	}()
	defer func() {
		stopEngine()
		<-engDone
	}()

	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	tasks := []sched.Task{
		{Name: "liveness_sweep", Interval: cfg.Heartbeat.Interval / 3, Run: func(context.Context) error {
			srv.Sweep(time.Now())
			return nil
		}},
		{Name: "log_truncate", Interval: cfg.Grid.TruncateInterval, Run: func(ctx context.Context) error {
			n, err := store.Truncate(ctx)
			metrics.LogTruncated.Add(float64(n))
			return err
		}},
		{Name: "occupied_gauge", Interval: 5 * time.Second, Run: func(context.Context) error {
			metrics.Occupied.Set(float64(eng.Status().OccupiedCount))
			return nil
		}},
		{Name: "replay_sweep", Interval: cfg.Replay.SweepInterval, Run: func(ctx context.Context) error {
			guard.Sweep(time.Now())
			if replayDB != nil {
				_, err := replayDB.Purge(ctx)
				return err
			}
			return nil
		}},
		{Name: "replay_probe", Interval: cfg.Replay.ProbeInterval, Run: guard.Probe},
		{Name: "ratelimit_gc", Interval: 5 * time.Minute, Run: func(context.Context) error {
			srv.GCRateLimits(10 * time.Minute)
			return nil
		}},
	}
	group := sched.StartAll(ctx, logger, tasks...)
	defer group.Stop()

	if cfg.Admin.MCPQUICListen != "" {
		ql, err := startAdminQUIC(ctx, cfg, mcpSrv, issuer, logger)
		if err != nil {
			return err
		}
		defer ql.Close()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("gridsync: listen: %w", err)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gridsync: listening", "addr", ln.Addr().String())
		serveErr <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gridsync: serve: %w", err)
		}
	case err := <-hubDone:
		if err != nil {
			return err
		}
	}

	logger.Info("gridsync: shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gridsync: session shutdown", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gridsync: http shutdown", "error", err)
	}
	return nil
}

// startAdminQUIC serves the MCP admin tools over QUIC. Every session must
// present an admin token.
func startAdminQUIC(ctx context.Context, cfg *config.Config, mcpSrv *mcp.Server, iss *auth.Issuer, logger *slog.Logger) (*mcpquic.Listener, error) {
	var (
		tlsCfg *tls.Config
		err    error
	)
	if cfg.Admin.MCPQUICCert != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(cfg.Admin.MCPQUICCert, cfg.Admin.MCPQUICKey)
	} else {
		logger.Warn("gridsync: admin QUIC listener using an ephemeral self-signed certificate")
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return nil, err
	}
	authn := func(token string) (string, error) {
		claims, err := iss.Verify(token)
		if err != nil {
			return "", err
		}
		if !claims.IsAdmin() {
			return "", errors.New("admin role required")
		}
		return claims.Identity(), nil
	}
	ql, err := mcpquic.NewListener(cfg.Admin.MCPQUICListen, tlsCfg, mcpSrv, logger, mcpquic.WithAuthenticator(authn))
	if err != nil {
		return nil, fmt.Errorf("gridsync: admin quic: %w", err)
	}
	go func() {
		if err := ql.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("gridsync: admin quic stopped", "error", err)
		}
	}()
	return ql, nil
}
