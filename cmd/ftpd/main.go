// Command ftpd runs a standalone FTP server backed by server.FSDriver.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/harrowgate/ftpd/internal/logx"
	"github.com/harrowgate/ftpd/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "ftpd",
		Short: "Standalone FTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	var flags *pflag.FlagSet = cmd.Flags()
	flags.String("addr", ":2121", "address to listen on")
	flags.String("root", ".", "filesystem root to serve")
	flags.Bool("anon-write", false, "allow anonymous users to write")
	flags.Bool("disable-anonymous", false, "reject anonymous logins")
	flags.Duration("max-idle-time", 5*time.Minute, "maximum idle connection time")
	flags.Int("max-connections", 0, "maximum simultaneous connections, 0 = unlimited")
	flags.Int("max-connections-per-ip", 0, "maximum simultaneous connections per IP, 0 = unlimited")
	flags.String("welcome-message", "", "custom welcome banner")
	flags.String("public-host", "", "hostname/IP advertised in PASV responses")
	flags.Int("pasv-min-port", 0, "minimum passive data port")
	flags.Int("pasv-max-port", 0, "maximum passive data port")
	flags.Bool("disable-mlsd", false, "disable the MLSD command")
	flags.String("tls-cert", "", "TLS certificate file, enables explicit AUTH TLS")
	flags.String("tls-key", "", "TLS key file")
	flags.Bool("implicit-tls", false, "run this listener as implicit FTPS (requires --tls-cert/--tls-key)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "emit JSON logs instead of console format")
	flags.String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables metrics")
	flags.String("config", "", "path to a config file (yaml/json/toml)")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("FTPD")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfg := v.GetString("config"); cfg != "" {
			v.SetConfigFile(cfg)
			_ = v.ReadInConfig()
		}
	})

	return cmd
}

func run(v *viper.Viper) error {
	logger := buildLogger(v)

	driverOpts := []server.FSDriverOption{}
	if v.GetBool("anon-write") {
		driverOpts = append(driverOpts, server.WithAnonWrite(true))
	}
	if v.GetBool("disable-anonymous") {
		driverOpts = append(driverOpts, server.WithDisableAnonymous(true))
	}
	if host := v.GetString("public-host"); host != "" || v.GetInt("pasv-min-port") > 0 {
		driverOpts = append(driverOpts, server.WithSettings(&server.Settings{
			PublicHost:  host,
			PasvMinPort: v.GetInt("pasv-min-port"),
			PasvMaxPort: v.GetInt("pasv-max-port"),
		}))
	}

	driver, err := server.NewFSDriver(v.GetString("root"), driverOpts...)
	if err != nil {
		return fmt.Errorf("creating filesystem driver: %w", err)
	}

	opts := []server.Option{
		server.WithDriver(driver),
		server.WithLogger(logger),
		server.WithMaxIdleTime(v.GetDuration("max-idle-time")),
		server.WithMaxConnections(v.GetInt("max-connections"), v.GetInt("max-connections-per-ip")),
		server.WithDisableMLSD(v.GetBool("disable-mlsd")),
	}
	if msg := v.GetString("welcome-message"); msg != "" {
		opts = append(opts, server.WithWelcomeMessage(msg))
	}

	var metricsSrv *http.Server
	if addr := v.GetString("metrics-addr"); addr != "" {
		collector := server.NewPrometheusMetrics(prometheus.DefaultRegisterer)
		opts = append(opts, server.WithMetricsCollector(collector))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	var listener net.Listener
	if certFile, keyFile := v.GetString("tls-cert"), v.GetString("tls-key"); certFile != "" && keyFile != "" {
		certProvider, err := server.NewFileCertificateProvider(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		opts = append(opts, server.WithCertificateProvider(certProvider))

		if v.GetBool("implicit-tls") {
			cert, err := certProvider.GetCertificate()
			if err != nil {
				return fmt.Errorf("reading TLS certificate: %w", err)
			}
			tlsConfig := &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
			listener, err = tls.Listen("tcp", v.GetString("addr"), tlsConfig)
			if err != nil {
				return fmt.Errorf("listening (implicit TLS): %w", err)
			}
		}
	}

	srv, err := server.NewServer(v.GetString("addr"), opts...)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if listener != nil {
			errCh <- srv.Serve(listener)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func buildLogger(v *viper.Viper) *slog.Logger {
	var level slog.Level
	switch v.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return logx.New(logx.Config{Level: level, JSON: v.GetBool("log-json"), Output: os.Stderr})
}
