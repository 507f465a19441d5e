package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invoicehook/internal/api"
	"invoicehook/internal/archive"
	"invoicehook/internal/config"
	"invoicehook/internal/logging"
	"invoicehook/internal/metrics"
	"invoicehook/internal/payments"
	"invoicehook/internal/store"
	"invoicehook/internal/webhooks"
)

func formatMsat(msat int64) string {
	sats := float64(msat) / 1000
	if sats < 100000 {
		return fmt.Sprintf("%.3f sat", sats)
	}
	return fmt.Sprintf("%.8f BTC", sats/1e8)
}

func printStats(ledger store.Ledger) {
	ctx := context.Background()
	stats, err := ledger.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          InvoiceHook Statistics          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Pending Invoices: %-21d║\n", stats.PendingInvoices)
	fmt.Printf("║  └─ Expired:       %-21d║\n", stats.ExpiredInvoices)
	fmt.Printf("║  Pending Amount:   %-21s║\n", formatMsat(stats.PendingMsat))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestInvoice.IsZero() {
		fmt.Printf("║  Oldest Invoice:   %-21s║\n", stats.OldestInvoice.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Invoice:   %-21s║\n", stats.NewestInvoice.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No invoices in ledger                   ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func openLedger(cfg *config.Config) (store.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "bolt":
		return store.NewBoltStore(cfg.Ledger.Path)
	default:
		return store.NewSQLiteStore(cfg.Ledger.Path)
	}
}

func newNodeClient(cfg *config.Config) (payments.NodeClient, error) {
	switch cfg.LND.Transport {
	case "grpc":
		logging.Internal.Infof("connecting to lnd via gRPC at %s", cfg.LND.GRPCAddr)
		return payments.NewLNDGRPCClient(payments.LNDGRPCConfig{
			Address:   cfg.LND.GRPCAddr,
			Macaroon:  cfg.LND.Macaroon,
			TLSVerify: cfg.LND.TLSVerify,
		})
	case "mock":
		mock := payments.NewMockNodeClient()
		mock.SetAutoSettle(cfg.LND.MockSettle)
		logging.Internal.Info("using mock node client (invoices are never paid unless auto-settle is set)")
		return mock, nil
	default:
		return payments.NewLNDRestClient(payments.LNDRestConfig{
			Address:     cfg.LND.RestAddr,
			Macaroon:    cfg.LND.Macaroon,
			TLSVerify:   cfg.LND.TLSVerify,
			Socks5Proxy: cfg.LND.Socks5Proxy,
		})
	}
}

func newArchive(cfg *config.Config) (*archive.Service, error) {
	switch {
	case cfg.Archive.S3Bucket != "":
		storage, err := archive.NewS3Storage(archive.S3Config{
			Endpoint: cfg.Archive.S3Endpoint,
			KeyID:    cfg.Archive.S3KeyID,
			AppKey:   cfg.Archive.S3AppKey,
			Bucket:   cfg.Archive.S3Bucket,
			Prefix:   cfg.Archive.S3Prefix,
			Insecure: cfg.Archive.S3Insecure,
		})
		if err != nil {
			return nil, err
		}
		logging.Internal.Infof("archiving failed deliveries to bucket %s", cfg.Archive.S3Bucket)
		return archive.NewService(storage), nil
	case cfg.Archive.Dir != "":
		storage, err := archive.NewFSStorage(cfg.Archive.Dir)
		if err != nil {
			return nil, err
		}
		logging.Internal.Infof("archiving failed deliveries to %s", cfg.Archive.Dir)
		return archive.NewService(storage), nil
	}
	return nil, nil
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if config.IsHelp(err) {
		return
	}
	if err != nil {
		// go-flags has already printed parse errors
		os.Exit(1)
	}
	logging.SetDebug(cfg.Debug)

	ledger, err := openLedger(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to open ledger: %v", err)
	}
	defer ledger.Close()

	if cfg.ShowStats {
		printStats(ledger)
		return
	}

	logging.Internal.Infof("server port: %d", cfg.Port)
	logging.Internal.Infof("ledger: %s (%s)", cfg.Ledger.Path, cfg.Ledger.Driver)
	logging.Internal.Infof("lnd transport: %s", cfg.LND.Transport)
	logging.Internal.Infof("lnd rest address: %s", config.Truncate(cfg.LND.RestAddr, 16))
	logging.Internal.Infof("invoice macaroon: %s", config.Truncate(cfg.LND.Macaroon, 14))
	logging.Internal.Infof("tls verify: %s", cfg.LND.TLSVerify)
	if cfg.LND.Socks5Proxy != "" {
		logging.Internal.Infof("socks5 proxy: %s", cfg.LND.Socks5Proxy)
	}
	if cfg.EndpointSecret == config.DefaultEndpointSecret {
		logging.Internal.Warn("ENDPOINT_SECRET is still the default value, change it before going live")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	node, err := newNodeClient(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to set up node client: %v", err)
	}
	defer node.Close()

	dispatcher := webhooks.NewDispatcher(&http.Client{Timeout: cfg.Webhook.Timeout}, m)
	deadLetters, err := newArchive(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to set up delivery archive: %v", err)
	}
	if deadLetters != nil {
		dispatcher.SetDeadLetterSink(deadLetters)
	}

	svc := payments.NewService(node, ledger, dispatcher, m)

	var pendingLimiter *api.PendingInvoiceLimiter
	if cfg.MaxPending > 0 {
		pendingLimiter = api.NewPendingInvoiceLimiter(cfg.MaxPending)
		svc.SetInvoiceClosedCallback(pendingLimiter.OnInvoiceClosed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := payments.NewListener(node, svc.HandleEvent, m)
	listener.Start(ctx)

	reaper := payments.NewReaper(svc, cfg.ReapInterval)
	if pendingLimiter != nil {
		reaper.AfterSweep = func(now time.Time) {
			if n := pendingLimiter.CleanupExpired(now); n > 0 {
				logging.Internal.Debugf("released %d expired pending invoice entries", n)
			}
		}
	}
	go reaper.Run(ctx)

	handler := api.NewHandler(svc, listener, cfg.EndpointSecret, pendingLimiter)

	mux := http.NewServeMux()
	mux.Handle("/v1/", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	corsConfig := api.CORSConfig{AllowedOrigins: cfg.AllowedOrigins()}
	if cfg.Dev {
		corsConfig.AllowedOrigins = nil
		logging.Internal.Info("development mode: CORS allowing all origins")
	} else if len(corsConfig.AllowedOrigins) > 0 {
		logging.Internal.Infof("CORS restricted to origins: %v", corsConfig.AllowedOrigins)
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = mux
	finalHandler = api.CORS(corsConfig)(finalHandler)
	var rateLimiter *api.RateLimiterMiddleware
	if !cfg.Dev {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Info("rate limiting enabled")
	}
	finalHandler = api.Logger(m)(finalHandler)

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Info("shutting down...")
		cancel()

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Errorf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Infof("starting server on %s", cfg.ListenAddr())
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
