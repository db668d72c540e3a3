package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qnet/config"
	"qnet/pkg/logging"
	"qnet/pkg/qnetd"
	"qnet/pkg/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()

	var configPath string

	cmd := &cobra.Command{
		Use:           "qnetd",
		Short:         "qnetd - quorum arbitrator",
		Long:          `qnetd arbitrates quorum for clusters whose nodes run a network quorum device`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(v, configPath)
			if err != nil {
				return err
			}

			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	flags.String("host", "", "Listen address")
	flags.IntP("port", "p", qnetd.DefaultPort, "Listen port")
	flags.IntP("max-connections", "m", 0, "Maximum number of client connections (0 unlimited)")
	flags.StringP("tls", "s", "off", "TLS mode: off, on or required")
	flags.String("cert-file", "", "Server certificate")
	flags.String("key-file", "", "Server private key")
	flags.String("ca-file", "", "CA bundle used to verify client certificates")
	flags.BoolP("client-cert-required", "r", false, "Require a client certificate")
	flags.StringSlice("allowed-cluster", nil, "Cluster allowed to register (repeatable)")
	flags.String("admin-address", "127.0.0.1:5404", "Admin gRPC address (empty disables it)")
	flags.StringP("log-level", "l", "info", "Log level")

	for key, flag := range map[string]string{
		"server.host":              "host",
		"server.port":              "port",
		"server.max_connections":   "max-connections",
		"server.allowed_clusters":  "allowed-cluster",
		"tls.mode":                 "tls",
		"tls.cert_file":            "cert-file",
		"tls.key_file":             "key-file",
		"tls.ca_file":              "ca-file",
		"tls.client_cert_required": "client-cert-required",
		"admin.address":            "admin-address",
		"logging.level":            "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	return cmd
}

func run(cfg *config.Config) error {
	logger, closeLog, err := logging.New(cfg.LogConfig("qnetd"))
	if err != nil {
		return err
	}
	defer closeLog()

	qcfg, err := cfg.Arbitrator()
	if err != nil {
		return err
	}
	qcfg.Logger = logger

	arbitrator, err := qnetd.New(qcfg)
	if err != nil {
		return err
	}

	// Bind both listeners before serving so that a bad address fails fast.
	if err := arbitrator.Listen(); err != nil {
		return err
	}

	var admin *server.Server
	if cfg.Admin.Address != "" {
		admin = server.NewServer(server.Config{
			Addr:   cfg.Admin.Address,
			Logger: logger.Named("admin"),
		}, arbitrator)

		if err := admin.Listen(); err != nil {
			arbitrator.Stop()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)

	go func() {
		errs <- arbitrator.Start(ctx)
	}()

	running := 1
	if admin != nil {
		running++
		go func() {
			errs <- admin.Start(ctx)
		}()
	}

	// The first component to return takes the others down.
	var firstErr error
	for ; running > 0; running-- {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
		stop()
	}

	logger.Info("qnetd stopped")

	return firstErr
}
