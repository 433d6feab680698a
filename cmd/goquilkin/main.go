// goquilkin is a UDP reverse proxy for latency-sensitive traffic.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/goquilkin/internal/cluster"
	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/endpoint"
	"github.com/dantte-lp/goquilkin/internal/filter"
	_ "github.com/dantte-lp/goquilkin/internal/filter/builtin"
	"github.com/dantte-lp/goquilkin/internal/metrics"
	"github.com/dantte-lp/goquilkin/internal/netio"
	"github.com/dantte-lp/goquilkin/internal/server"
	"github.com/dantte-lp/goquilkin/internal/session"
	appversion "github.com/dantte-lp/goquilkin/internal/version"
	"github.com/dantte-lp/goquilkin/internal/worker"
	"github.com/dantte-lp/goquilkin/internal/xds"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

const defaultMetricsPath = "/metrics"

// errMutuallyExclusiveTargets indicates both --to and --management-server
// were supplied.
var errMutuallyExclusiveTargets = errors.New("--to and --management-server are mutually exclusive")

// proxyFlags mirrors config.Settings' fields one-to-one; cobra writes into
// it directly, and runProxy overrides the settings loaded from defaults
// and environment only for the flags the user actually passed.
type proxyFlags struct {
	port              uint16
	to                []string
	managementServers []string
	configPath        string
	logFormat         string
}

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	flags := &proxyFlags{}

	cmd := &cobra.Command{
		Use:   "goquilkin",
		Short: "UDP reverse proxy for latency-sensitive traffic",
	}

	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the proxy data plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProxy(cmd, flags)
		},
	}

	defaults := config.DefaultSettings()
	proxyCmd.Flags().Uint16VarP(&flags.port, "port", "p", defaults.Port,
		"listening port for downstream client traffic (env QUILKIN_PORT)")
	proxyCmd.Flags().StringSliceVarP(&flags.to, "to", "t", nil,
		"static upstream endpoint address, repeatable (env QUILKIN_DEST)")
	proxyCmd.Flags().StringSliceVarP(&flags.managementServers, "management-server", "m", nil,
		"control-plane discovery server URL, repeatable (env QUILKIN_MANAGEMENT_SERVER)")
	proxyCmd.Flags().StringVar(&flags.configPath, "config", "",
		"path to a YAML configuration file")
	proxyCmd.Flags().StringVar(&flags.logFormat, "log-format", defaults.LogFormat, "log output format: json, text")

	cmd.AddCommand(proxyCmd)
	cmd.AddCommand(versionCommand())

	return cmd
}

// applyFlagOverrides writes every explicitly-passed flag over the
// defaults+environment settings LoadSettings produced. Flags left at
// their zero value (not passed on the command line) never override a
// setting derived from the environment.
func applyFlagOverrides(cmd *cobra.Command, flags *proxyFlags, settings *config.Settings) {
	if cmd.Flags().Changed("port") {
		settings.Port = flags.port
	}
	if cmd.Flags().Changed("to") {
		settings.Destinations = flags.to
		settings.ManagementServers = nil
	}
	if cmd.Flags().Changed("management-server") {
		settings.ManagementServers = flags.managementServers
		settings.Destinations = nil
	}
	if cmd.Flags().Changed("log-format") {
		settings.LogFormat = flags.logFormat
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(appversion.Full("goquilkin"))
			return nil
		},
	}
}

func runProxy(cmd *cobra.Command, flags *proxyFlags) error {
	if len(flags.to) > 0 && len(flags.managementServers) > 0 {
		return errMutuallyExclusiveTargets
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	applyFlagOverrides(cmd, flags, &settings)

	// A config file's clusters can stand in for --to/--management-server,
	// so ValidateSettings runs only when no config file is given; with a
	// file, the endpoint/management-server check below runs once the
	// file has been applied.
	haveFileTargets := flags.configPath != ""
	if !haveFileTargets {
		if err := config.ValidateSettings(settings); err != nil {
			return fmt.Errorf("invalid settings: %w", err)
		}
	}

	logger := newLogger(settings.LogFormat)

	var fileCfg *config.FileConfig
	if flags.configPath != "" {
		fc, err := config.LoadFile(flags.configPath)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		fileCfg = fc
	}

	cfg := config.NewWithDefaultID(filter.Default)

	if fileCfg != nil {
		resources, err := fileCfg.ToResources()
		if err != nil {
			return fmt.Errorf("translate file config: %w", err)
		}
		for _, r := range resources {
			if err := cfg.Apply(r); err != nil {
				return fmt.Errorf("apply file config resource: %w", err)
			}
		}
	}

	if len(settings.Destinations) > 0 {
		if err := applyStaticTargets(cfg, settings.Destinations); err != nil {
			return fmt.Errorf("apply --to targets: %w", err)
		}
	}

	if cfg.Clusters.Load().EndpointCount() == 0 && len(settings.ManagementServers) == 0 {
		return config.ErrNoEndpointsOrManagementServer
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	cfg.SetObserver(collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	for _, addr := range settings.ManagementServers {
		client := xds.New(addr, cfg, collector, logger)
		g.Go(func() error {
			return client.Run(gCtx)
		})
	}

	bindAddr := fmt.Sprintf("0.0.0.0:%d", settings.Port)

	// The session map's return-path socket shares the client-facing port
	// with the worker pool's sockets below, so it must also opt into
	// SO_REUSEPORT: on Linux every socket bound to a shared port must set
	// the option, including the first one bound.
	listener, err := netio.ListenReusePort(gCtx, "udp", bindAddr)
	if err != nil {
		return fmt.Errorf("bind return-path listener on port %d: %w", settings.Port, err)
	}
	defer listener.Close()

	sessions := session.New(gCtx, listener, cfg, settings.SessionTimeout, collector, logger)
	g.Go(func() error {
		sessions.RunSweeper(gCtx, settings.SweepInterval)
		return nil
	})

	pool := worker.New(bindAddr, cfg, sessions, collector, logger)
	g.Go(func() error {
		return pool.Run(gCtx)
	})

	adminSrv := newAdminServer(cfg, sessions, logger, settings.AdminAddr)
	metricsSrv := newMetricsServer(reg, settings.MetricsAddr)

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", settings.AdminAddr))
		return listenAndServe(gCtx, adminSrv, settings.AdminAddr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", settings.MetricsAddr))
		return listenAndServe(gCtx, metricsSrv, settings.MetricsAddr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, sessions, adminSrv, metricsSrv)
	})

	logger.Info("goquilkin proxy started",
		slog.String("version", appversion.Version),
		slog.Int("port", int(settings.Port)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run proxy: %w", err)
	}

	logger.Info("goquilkin proxy stopped")
	return nil
}

// applyStaticTargets replaces the default cluster's single (no-locality)
// group with the given "host:port" targets.
func applyStaticTargets(cfg *config.Config, targets []string) error {
	eps := make([]endpoint.Endpoint, 0, len(targets))
	for _, t := range targets {
		ap, err := netip.ParseAddrPort(t)
		if err != nil {
			return fmt.Errorf("parse upstream target %q: %w", t, err)
		}
		eps = append(eps, endpoint.New(ap))
	}

	cl := cluster.NewCluster(cluster.DefaultName)
	cl.Localities.Insert(endpoint.NewLocalityEndpoints(eps...))
	return cfg.Apply(config.ClusterResource(cl))
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newAdminServer(cfg *config.Config, sessions *session.Map, logger *slog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(cfg, sessions, logger,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		"goquilkin.admin.v1.AdminService",
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(reg *prometheus.Registry, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(defaultMetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func gracefulShutdown(ctx context.Context, sessions *session.Map, servers ...*http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}

	sessions.Shutdown()

	return shutdownErr
}
