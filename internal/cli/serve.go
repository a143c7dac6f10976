package cli

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/config"
	"github.com/bolasblack/nfcond/internal/daemon"
	"github.com/bolasblack/nfcond/internal/logging"
	"github.com/bolasblack/nfcond/internal/metrics"
	"github.com/bolasblack/nfcond/internal/server"
	"github.com/bolasblack/nfcond/internal/util"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the nfcond daemon",
		Long: `Run the nfcond daemon: create the configured namespaces, install the
configured rules and serve the API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringP("config", "c", util.DefaultConfigPath, "configuration file")
	cmd.Flags().String("listen", "", "override [server] listen")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	env := util.NewReadonlyOsEnv()

	cfg, fromFile, err := loadServeConfig(env, configPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	base, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Output: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	log := logging.WithComponent(base, "serve")
	if !fromFile {
		log.WithField("path", configPath).Warn("configuration file not found, using defaults")
	}

	reg := prometheus.NewRegistry()
	opts := []daemon.Option{daemon.WithLogger(logging.WithComponent(base, "daemon"))}
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, daemon.WithMetrics(metrics.New(reg)))
	}

	d, err := daemon.New(cfg.Control, opts...)
	if err != nil {
		return err
	}
	defer closeDaemon(d, log)

	if err := d.Apply(cfg); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}

	ln, err := openListener(cfg.Server.Listen, log)
	if err != nil {
		return err
	}

	srvOpts := []server.Option{server.WithLogger(logging.WithComponent(base, "server"))}
	if cfg.Metrics.Enabled {
		srvOpts = append(srvOpts, server.WithMetrics(reg))
	}
	srv := server.New(d, srvOpts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"listen":     cfg.Server.Listen,
		"namespaces": len(d.Namespaces()),
		"rules":      len(cfg.Rules),
	}).Info("nfcond started")

	if err := server.NotifyReady(); err != nil {
		log.WithError(err).Warn("systemd notification failed")
	}
	err = srv.Serve(ctx, ln)
	_ = server.NotifyStopping()
	if err != nil {
		return err
	}
	log.Info("nfcond stopped")
	return nil
}

// openListener prefers a systemd-activated socket over listen.
func openListener(listen string, log *logrus.Entry) (net.Listener, error) {
	ln, err := server.ActivationListener()
	if err != nil {
		return nil, err
	}
	if ln != nil {
		log.WithField("addr", ln.Addr().String()).Info("using socket from systemd")
		return ln, nil
	}

	network, address, err := config.ParseListen(listen)
	if err != nil {
		return nil, err
	}
	ln, err = server.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	return ln, nil
}

// loadServeConfig loads the configuration, falling back to defaults when the
// file does not exist.
func loadServeConfig(env *util.Env, path string) (config.Config, bool, error) {
	if !config.Exists(env, path) {
		return config.DefaultConfig(), false, nil
	}
	cfg, err := config.LoadConfig(env, path)
	if err != nil {
		return config.Config{}, false, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, true, nil
}

func closeDaemon(d *daemon.Daemon, log *logrus.Entry) {
	err := d.Close()
	var stale *condition.StaleError
	switch {
	case err == nil:
	case errors.As(err, &stale):
		log.WithField("conditions", stale.Names).Warn("conditions were still attached at shutdown")
	default:
		log.WithError(err).Error("shutdown cleanup failed")
	}
}
