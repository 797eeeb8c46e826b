// Command cborpcd serves the built-in function table over websockets and
// framed TCP, with an admin HTTP surface and optional etcd manifest
// publication.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cborpc/admin"
	"cborpc/builtin"
	"cborpc/config"
	"cborpc/middleware"
	"cborpc/observability"
	"cborpc/registry"
	"cborpc/server"
	"cborpc/table"
	"cborpc/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cborpcd: %v\n", err)
		os.Exit(1)
	}
	log, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cborpcd: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("cborpcd stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tbl := newTable(cfg, log)
	if err := builtin.Register(tbl, builtin.NewKV()); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	srv := newServer(cfg, tbl, log)
	errs := make(chan error, 4)
	serve := func(name string, fn func() error) {
		go func() {
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.Listen.WSAddr != "" {
		mux := newMux(cfg, srv, log)
		serve("websocket", func() error { return srv.ListenAndServe(cfg.Listen.WSAddr, mux) })
	}
	if cfg.Listen.TCPAddr != "" {
		serve("tcp", func() error { return srv.ServeTCP(cfg.Listen.TCPAddr) })
	}
	var (
		pub     registry.Publisher
		runErr  error
		adminOp []admin.Option
	)
	if cfg.Listen.ConnectURL != "" {
		out, err := connect(srv, cfg.Listen.ConnectURL, log)
		if err != nil {
			runErr = err
		} else {
			adminOp = append(adminOp, admin.WithOutbound(cfg.Listen.ConnectURL, out))
		}
	}

	var adm *admin.Admin
	if cfg.Admin.Enabled {
		adm = admin.New(tbl, log.Named("admin"), adminOp...)
		serve("admin", func() error { return adm.Serve(cfg.Admin.Addr) })
	}

	if runErr == nil && cfg.Manifest.Enabled {
		em, err := publish(ctx, cfg.Manifest, tbl, log)
		if err != nil {
			runErr = err
		} else {
			pub = em
			defer func() { _ = pub.Close() }()
		}
	}

	if runErr == nil {
		log.Info("cborpcd started", zap.Int("functions", tbl.Len()))
		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case runErr = <-errs:
		}
	}

	timeout := cfg.RPC.ShutdownTimeout
	if pub != nil {
		err := waitFor(timeout, func(ctx context.Context) error {
			return pub.Withdraw(ctx, cfg.Manifest.Service, cfg.Manifest.Instance)
		})
		if err != nil {
			log.Warn("withdraw manifest", zap.Error(err))
		}
	}
	if err := srv.Shutdown(timeout); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	if adm != nil {
		if err := waitFor(timeout, adm.Shutdown); err != nil {
			log.Warn("admin shutdown", zap.Error(err))
		}
	}
	return runErr
}

func newTable(cfg *config.Config, log *zap.Logger) *table.Table {
	opts := []table.Option{table.WithLogger(log.Named("table"))}
	if !cfg.RPC.Suggestions {
		// a zero Suggester never matches
		opts = append(opts, table.WithSuggester(table.Suggester{}))
	}
	return table.New(opts...)
}

func newServer(cfg *config.Config, tbl *table.Table, log *zap.Logger) *server.Server {
	srv := server.New(tbl,
		server.WithServerLogger(log.Named("server")),
		server.WithConnOptions(
			server.WithStrictEncode(cfg.RPC.StrictEncode),
			server.WithQueueDepth(cfg.RPC.QueueDepth),
			server.WithDropLogRate(cfg.RPC.DropLogRate),
		),
		server.WithWSOptions(ws.DefaultOptions()),
	)
	srv.Use(middleware.Logging(log.Named("rpc")))
	srv.Use(middleware.Metrics())
	if cfg.RPC.RateLimit > 0 {
		srv.Use(middleware.RateLimit(cfg.RPC.RateLimit, cfg.RPC.RateBurst))
	}
	return srv
}

func publish(ctx context.Context, mc config.ManifestConfig, tbl *table.Table, log *zap.Logger) (*registry.EtcdManifest, error) {
	em, err := registry.NewEtcdManifest(mc.Endpoints, mc.DialTimeout, log.Named("registry"))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, mc.DialTimeout)
	defer cancel()
	if err := em.Publish(pctx, mc.Service, mc.Instance, registry.Manifest(tbl.ListFns()), mc.TTL); err != nil {
		_ = em.Close()
		return nil, fmt.Errorf("publish manifest: %w", err)
	}
	return em, nil
}

// waitFor bounds how long a shutdown step may take.
func waitFor(d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return fn(ctx)
}
