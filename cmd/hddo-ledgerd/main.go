// Command hddo-ledgerd runs a standalone record ledger.
//
// The ledger grants reservations on commitment hashes, accepts sendable
// records, serves capability scripts and deletes records on proof of salt
// knowledge. It is reachable over HTTP (JSON or protobuf) and, when
// --grpc-addr is set, over gRPC.
//
// # Usage
//
//	go run ./cmd/hddo-ledgerd --addr=:8080 --store=sqlite --store-path=ledger.db
//	go run ./cmd/hddo-ledgerd --config=/etc/hddo/ledgerd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karasz/hddo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func main() {
	var (
		configPath = flag.String("config", "", "JSON or YAML config file (flags override it)")
		addr       = flag.String("addr", "", "HTTP listen address")
		grpcAddr   = flag.String("grpc-addr", "", "gRPC listen address (disabled if empty)")
		backend    = flag.String("store", "", "Store backend: memory, file, sqlite or postgres")
		storePath  = flag.String("store-path", "", "File store directory or SQLite DSN")
		pgDSN      = flag.String("postgres-dsn", "", "PostgreSQL connection string")
		ttl        = flag.Duration("reservation-ttl", 0, "Reservation lifetime")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn or error")
	)
	flag.Parse()

	cfg := hddo.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := hddo.LoadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *pgDSN != "" {
		cfg.Store.DSN = *pgDSN
	}
	if *ttl > 0 {
		cfg.ReservationTTL = hddo.Duration(*ttl)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.AdminToken == "" {
		cfg.AdminToken = os.Getenv("HDDO_ADMIN_TOKEN")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	log := cfg.NewLogger(os.Stderr)
	if err := run(cfg, log); err != nil {
		log.Error("ledger daemon failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg hddo.ServiceConfig, log *slog.Logger) error {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return err
	}
	store, err := cfg.Store.Open()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	ledger := hddo.NewLedger(cfg.LedgerConfig(log), store)
	defer func() {
		if err := ledger.Close(); err != nil {
			log.Warn("close ledger", "err", err)
		}
	}()

	report, err := ledger.Audit(context.Background())
	if err != nil {
		return fmt.Errorf("audit ledger: %w", err)
	}
	for _, p := range report.Problems {
		log.Warn("ledger inconsistency", "commitment", p.Commitment, "reason", p.Reason)
	}
	log.Info("ledger audited", "records", report.Records, "problems", len(report.Problems))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 3)
	go func() {
		if err := ledger.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("reaper: %w", err)
		}
	}()

	srv := hddo.NewServer(ledger, hddo.ServerConfig{
		AdminToken: cfg.AdminToken,
		Logger:     log,
		TLS:        tlsCfg,
	})
	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = srv.HTTPServer(cfg.HTTPAddr)
		go func() {
			log.Info("Starting HTTP server", "listenAddress", cfg.HTTPAddr, "tls", tlsCfg != nil, "store", cfg.Store.Backend)
			var err error
			if tlsCfg != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else {
				err = httpServer.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		var opts []grpc.ServerOption
		if tlsCfg != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		}
		grpcServer = grpc.NewServer(opts...)
		hddo.RegisterLedgerServiceServer(grpcServer, &hddo.GRPCServer{Ledger: ledger, Logger: log})
		go func() {
			log.Info("Starting gRPC server", "listenAddress", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-errc:
	}
	stop()
	srv.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			log.Warn("HTTP shutdown", "err", serr)
		}
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return err
}
