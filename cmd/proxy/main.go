// Command proxy is an embeddable HTTPS-intercepting MITM forward proxy.
//
// It accepts both direct-form HTTP requests and CONNECT tunnels, minting a
// leaf certificate on the fly for any CONNECT target so it can terminate and
// inspect the client's TLS session, then forwards the request upstream and
// relays the response back unchanged (unless a handler mutates it).
//
// A client must be configured to trust the CA certificate served at
// /ca.pem (see the management API) before it will accept the proxy's
// minted leaves.
//
// Usage:
//
//	# Direct internet access, default ports
//	./proxy
//
//	# Custom ports and a pre-existing CA
//	./proxy --port 3128 --management-port 3129 --ca-cert my-ca.pem --ca-key my-ca-key.pem
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mitmproxy/internal/acceptor"
	"mitmproxy/internal/config"
	"mitmproxy/internal/forwarder"
	"mitmproxy/internal/handler"
	"mitmproxy/internal/logging"
	"mitmproxy/internal/management"
	"mitmproxy/internal/telemetry"
	"mitmproxy/internal/tlsstore"
)

func main() {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "proxy",
		Short: "An embeddable HTTPS-intercepting MITM forward proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.BindAddress, "host", cfg.BindAddress, "address to bind the proxy listener")
	flags.IntVar(&cfg.ProxyPort, "port", cfg.ProxyPort, "proxy listener port")
	flags.IntVar(&cfg.ManagementPort, "management-port", cfg.ManagementPort, "management API port")
	flags.StringVar(&cfg.CACertFile, "ca-cert", cfg.CACertFile, "path to the CA certificate (created if absent)")
	flags.StringVar(&cfg.CAKeyFile, "ca-key", cfg.CAKeyFile, "path to the CA private key (created if absent)")
	flags.StringVar(&cfg.ManagementToken, "management-token", cfg.ManagementToken, "bearer token required on the management API; empty disables auth")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		log.Fatalf("[PROXY] Fatal: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger := logging.New("PROXY", cfg.LogLevel)

	store, err := loadOrGenerateCA(cfg)
	if err != nil {
		return fmt.Errorf("proxy: prepare CA: %w", err)
	}

	tel := telemetry.New()

	printBanner(cfg)

	mgmt := management.New(cfg, store, tel)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("[MANAGEMENT] Fatal: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	build := func() handler.Handler { return &forwarder.Default{} }
	srv, err := acceptor.Start(ctx, build, cfg.BindAddress, cfg.ProxyPort, store,
		acceptor.WithLogger(logger),
		acceptor.WithTelemetry(tel),
	)
	if err != nil {
		return fmt.Errorf("proxy: start acceptor: %w", err)
	}
	logger.Info("listening", "addr", srv.Addr().String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	return srv.Close()
}

// loadOrGenerateCA loads the configured CA key/cert pair, generating and
// persisting a fresh one on first run.
func loadOrGenerateCA(cfg *config.Config) (*tlsstore.Store, error) {
	keyPEM, keyErr := os.ReadFile(cfg.CAKeyFile)
	certPEM, certErr := os.ReadFile(cfg.CACertFile)
	if keyErr == nil && certErr == nil {
		return tlsstore.LoadCA(keyPEM, certPEM)
	}

	store, err := tlsstore.GenerateCA(tlsstore.Subject{
		CommonName:   cfg.CACommonName,
		Organization: cfg.CAOrganization,
		Country:      cfg.CACountry,
	})
	if err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}
	if err := store.SaveCA(cfg.CAKeyFile, cfg.CACertFile); err != nil {
		return nil, fmt.Errorf("save CA: %w", err)
	}
	return store, nil
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          MITM Forward Proxy  (Go)                    ║
╚══════════════════════════════════════════════════════╝
  Proxy port      : %d
  Management port : %d
  CA certificate  : %s

  Point clients here:
    export HTTP_PROXY=http://localhost:%d
    export HTTPS_PROXY=http://localhost:%d

  Install the CA certificate:
    curl http://localhost:%d/ca.pem -o ca.pem

  Check status:
    curl http://localhost:%d/status
`, cfg.ProxyPort, cfg.ManagementPort, cfg.CACertFile,
		cfg.ProxyPort, cfg.ProxyPort,
		cfg.ManagementPort, cfg.ManagementPort)
}
