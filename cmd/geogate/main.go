// Package main is the entry point for the geogate relay daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"geogate/internal/config"
	"geogate/internal/dns"
	"geogate/internal/geo"
	"geogate/internal/metrics"
	"geogate/internal/policy"
	"geogate/internal/relay"
	"geogate/internal/web"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// sampleConfigYAML is a template for the configuration file.
const sampleConfigYAML = `# -----------------------------------------------------------------------------
# geogate: country-gated TCP relay
# Every setting can also be given as an environment variable (shown in
# brackets). Environment variables override this file, flags override both.
# -----------------------------------------------------------------------------
log_level: "info"     # [LOG_LEVEL] debug, info, warn, error
log_format: "console" # [LOG_FORMAT] console or json

# Address clients connect to.
listen_host: "0.0.0.0" # [LISTEN_HOST]
listen_port: 11221     # [LISTEN_PORT]

# Every admitted connection is forwarded here.
target_host: "0.0.0.0" # [TARGET_HOST]
target_port: 11010     # [TARGET_PORT]
dial_timeout: "30s"    # [DIAL_TIMEOUT]

# Time in-flight sessions get to finish after SIGINT/SIGTERM.
shutdown_timeout: "5s" # [SHUTDOWN_TIMEOUT]

# -----------------------------------------------------------------------------
# Country admission
# A missing or unreadable database admits every client. Clients whose country
# cannot be determined are always admitted.
# -----------------------------------------------------------------------------
geoip_db_path: "/usr/share/GeoIP/GeoLite2-Country.mmdb" # [GEOIP_DB_PATH]

# Reject clients from these countries. Takes precedence when both lists are set.
# block_if_in_countries: ["CN", "RU"] # [BLOCK_IF_IN_COUNTRIES] "CN,RU"

# Reject clients from every country not listed here.
# block_if_not_in_countries: ["JP", "KR"] # [BLOCK_IF_NOT_IN_COUNTRIES] "JP,KR"

# -----------------------------------------------------------------------------
# Admin HTTP server (/healthz, /metrics, /lookup/{ip}). Empty disables it.
# -----------------------------------------------------------------------------
# admin_address: "127.0.0.1:9090" # [ADMIN_ADDRESS]

# -----------------------------------------------------------------------------
# Target DNS
# Resolve target_host through these servers instead of the system resolver.
# -----------------------------------------------------------------------------
# dns:
#   upstream_servers:           # [TARGET_DNS_SERVERS]
#     - "1.1.1.1:53"
#     - "8.8.8.8:53"
#   upstream_server_strategy: "round_robin" # [TARGET_DNS_STRATEGY] round_robin or random
#   query_timeout: "2s"
#   custom_records:
#     "backend.internal": "192.168.1.10"
`

// main is the entry point for the relay.
func main() {
	configPath := flag.String("config", "", "Path to an optional YAML configuration file.")
	listenPort := flag.Int("listen-port", 0, "Port to accept client connections on (overrides LISTEN_PORT).")
	adminAddress := flag.String("admin-addr", "", "Address for the admin HTTP server (e.g., '127.0.0.1:9090').")
	generateConfig := flag.Bool("generate-config", false, "Print a sample configuration file and exit.")
	flag.Usage = usage
	flag.Parse()

	if *generateConfig {
		fmt.Print(sampleConfigYAML)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load or validate configuration")
	}

	// Flags only override when given explicitly; 0 is a valid listen port.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen-port":
			cfg.ListenPort = *listenPort
		case "admin-addr":
			cfg.AdminAddress = *adminAddress
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg)

	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "lookup":
			os.Exit(runLookup(cfg, args[1:], os.Stdout))
		default:
			usage()
			os.Exit(2)
		}
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Relay failed")
	}
	log.Info().Msg("All services stopped. Relay has shut down gracefully.")
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage:\n  %[1]s [flags]\n  %[1]s [flags] lookup IP...\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

// setupLogging applies the configured level and encoder to the global logger.
func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == config.LogFormatJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	logLevel, err := zerolog.ParseLevel(string(cfg.LogLevel))
	if err != nil {
		logLevel = zerolog.InfoLevel
		log.Warn().Str("configured_level", string(cfg.LogLevel)).Msg("Invalid log level, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(logLevel)
}

// run starts the relay and, when configured, the admin server, and blocks
// until a shutdown signal arrives or one of them fails.
func run(cfg *config.Config) error {
	locator := geo.OpenOrDisabled(cfg.GeoIPDBPath)
	defer locator.Close()

	// A nil *dns.Resolver must not end up inside the interface.
	var resolver relay.Resolver
	dnsResolver, err := dns.NewResolver(cfg.DNS)
	if err != nil {
		return fmt.Errorf("failed to initialize target DNS resolver: %w", err)
	}
	if dnsResolver != nil {
		defer dnsResolver.Close()
		resolver = dnsResolver
	}

	m := metrics.New()
	services := []relay.Service{relay.NewServer(cfg, locator, m, resolver)}
	if cfg.AdminAddress != "" {
		services = append(services, web.NewServer(web.Options{
			Address:  cfg.AdminAddress,
			Lookup:   locator,
			Rules:    cfg.Rules(),
			Metrics:  m.Handler(),
			Database: locator,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			log.Info().Str("service", svc.Name()).Msg("Starting service")
			if err := svc.Start(gctx); err != nil {
				return fmt.Errorf("%s: %w", svc.Name(), err)
			}
			log.Info().Str("service", svc.Name()).Msg("Service stopped")
			return nil
		})
	}

	go func() {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown signal received, waiting for all services to stop...")
		}
	}()

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLookup prints the country and admission decision for each address using
// the configured database and rules. It returns the process exit code.
func runLookup(cfg *config.Config, addrs []string, out io.Writer) int {
	if len(addrs) == 0 {
		fmt.Fprintln(os.Stderr, "lookup: at least one IP address is required")
		return 2
	}

	locator := geo.OpenOrDisabled(cfg.GeoIPDBPath)
	defer locator.Close()
	return printLookups(locator, cfg.Rules(), addrs, out)
}

func printLookups(lookup relay.CountryLookup, rules policy.Rules, addrs []string, out io.Writer) int {
	code := 0
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tCOUNTRY\tACTION\tRULE")
	for _, raw := range addrs {
		ip := net.ParseIP(raw)
		if ip == nil {
			fmt.Fprintf(tw, "%s\t-\t-\tinvalid address\n", raw)
			code = 1
			continue
		}
		country := lookup.Lookup(ip)
		d := policy.Evaluate(country, rules)
		if country == geo.Unknown {
			country = "unknown"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ip, country, d.Action, d.Rule)
	}
	if err := tw.Flush(); err != nil {
		log.Error().Err(err).Msg("Failed to write lookup results")
		return 1
	}
	return code
}
