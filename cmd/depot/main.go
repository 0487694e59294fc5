package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"depot/internal/auth"
	"depot/internal/depot"
	"depot/internal/metrics"
)

func Run(ctx context.Context) error {

	listenAddr := flag.String("listen", "9000", "HTTP listen address")
	tlsAddr := flag.String("listen-tls", "9443", "HTTPS listen address")
	dataDir := flag.String("data-dir", "./data", "directory to store object data")
	accessKey := flag.String("access-key", auth.DefaultAccessKeyID, "access key id clients must sign with")
	secretKey := flag.String("secret-key", auth.DefaultSecretAccessKey, "secret access key clients must sign with")
	region := flag.String("region", "us-east-1", "region reported to clients and expected in signatures")
	clockSkew := flag.Duration("clock-skew", auth.DefaultMaxClockSkew, "maximum tolerated request clock skew")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address, empty disables metrics")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	engine := auth.NewSigV4Engine(*accessKey, *secretKey, *region)
	engine.MaxClockSkew = *clockSkew

	var m *metrics.Metrics
	if *metricsAddr != "" {
		m = metrics.New()
	}

	server, err := depot.NewServer(depot.Config{
		DataDir:       absDataDir,
		Region:        *region,
		Authenticator: engine,
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("failed to create depot server: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listenAddr),
		Handler:           router,
		MaxHeaderBytes:    8 << 10,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			ClientAuth: tls.RequestClientCert,
			MinVersion: tls.VersionTLS12,
		},
		Addr:              fmt.Sprintf(":%s", *tlsAddr),
		Handler:           router,
		MaxHeaderBytes:    8 << 10,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	var metricsServer *http.Server
	if m != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{
			Addr:              *metricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 20 * time.Second,
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		err = errors.Join(err, httpsServer.Shutdown(shutdownCtx))
		if metricsServer != nil {
			err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
		}
		return err
	})

	eg.Go(func() error {
		if *tlsCert == "" || *tlsKey == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting Depot HTTPS server", "addr", httpsServer.Addr)
		err := httpsServer.ListenAndServeTLS(*tlsCert, *tlsKey)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		if metricsServer == nil {
			return nil
		}

		slog.Info("Starting Depot metrics server", "addr", metricsServer.Addr)
		err := metricsServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting Depot HTTP server", "addr", httpServer.Addr)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Depot Started", "data_dir", absDataDir, "region", *region)
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Depot exited with error", "error", err)
		os.Exit(1)
	}
}
