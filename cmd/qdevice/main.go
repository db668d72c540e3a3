package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"qnet/config"
	"qnet/pkg/cmap"
	"qnet/pkg/logging"
	"qnet/pkg/qdevice"
	"qnet/pkg/tlv"
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
		Use:           "qdevice",
		Short:         "qdevice - network quorum device",
		Long:          `qdevice connects this node to a qnetd arbitrator and reports its votes`,
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
	flags.String("cmap", "/etc/qnet/cmap.toml", "Path to the cmap file")
	flags.Bool("watch", true, "Reload the cmap file when it changes")
	flags.StringP("log-level", "l", "info", "Log level")

	for key, flag := range map[string]string{
		"device.cmap_file": "cmap",
		"device.watch":     "watch",
		"logging.level":    "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	return cmd
}

// logVotequorum stands in for the local voting subsystem and records what
// it is told.
type logVotequorum struct {
	logger hclog.Logger
}

func (l *logVotequorum) PublishVote(cast bool, ring tlv.RingID) error {
	l.logger.Info("device vote", "cast", cast, "ring_id", ring)
	return nil
}

func (l *logVotequorum) PublishNodeList(ring tlv.RingID, nodes []uint32) error {
	l.logger.Info("device node list", "ring_id", ring, "nodes", nodes)
	return nil
}

func run(cfg *config.Config) error {
	logger, closeLog, err := logging.New(cfg.LogConfig("qdevice"))
	if err != nil {
		return err
	}
	defer closeLog()

	watcher, err := cmap.NewWatcher(cfg.Device.CmapFile, logger)
	if err != nil {
		return err
	}

	current := watcher.Current()

	dcfg, err := current.DeviceConfig()
	if err != nil {
		return err
	}
	dcfg.Logger = logger.Named("device")

	inst, err := qdevice.New(dcfg, &logVotequorum{logger: logger.Named("votequorum")})
	if err != nil {
		return err
	}

	if err := cmap.Apply(inst, nil, current); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if cfg.Device.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := watcher.Run(ctx, func(prev, next *cmap.Map) {
				if err := cmap.Apply(inst, prev, next); err != nil {
					logger.Error("cannot apply cmap change", "error", err)
				}

				if devChanged(prev, next) {
					logger.Warn("quorum device settings changed, restart qdevice to use them")
				}
			})
			if err != nil {
				logger.Error("cmap watcher failed", "error", err)
			}
		}()
	} else {
		watcher.Close()
	}

	logger.Info("starting qdevice", "arbitrator", dcfg.Addr, "node_id", dcfg.NodeID,
		"cluster", dcfg.ClusterName, "algorithm", dcfg.Algorithm)

	err = inst.Run(ctx)
	stop()
	wg.Wait()

	logger.Info("qdevice stopped")

	return err
}

func devChanged(prev, next *cmap.Map) bool {
	return !reflect.DeepEqual(prev.Quorum.Device, next.Quorum.Device) ||
		prev.Runtime.NodeID != next.Runtime.NodeID ||
		prev.ClusterName() != next.ClusterName()
}
