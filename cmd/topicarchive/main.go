package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"topicarchive/internal/config"
	"topicarchive/internal/engine"
	"topicarchive/internal/logging"
)

// flagKeys maps persistent flags onto configuration keys. Only flags set on
// the command line override the file and the environment.
var flagKeys = map[string]string{
	"bootstrap-servers": "kafka.bootstrap_servers",
	"topic":             "topic",
	"file":              "file",
	"level":             "pipeline.level",
	"workers":           "pipeline.workers",
	"batch-size":        "pipeline.batch_size",
	"channel-depth":     "pipeline.channel_depth",
	"metrics-port":      "telemetry.metrics_port",
	"grpc-port":         "telemetry.grpc_port",
	"log-level":         "log.level",
	"log-json":          "log.json",
}

var configPath string

func main() {
	logging.InitFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logging.L().Error("topicarchive failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "topicarchive",
		Short:         "Back up a Kafka topic to a gzip archive and restore it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file")
	pf.String("bootstrap-servers", "", "comma-separated broker list (env BOOTSTRAP_SERVERS)")
	pf.String("topic", "", "topic to back up or restore into (env TOPIC)")
	pf.String("file", "", "archive path; .gz is appended when there is no extension (env FILE)")
	pf.Int("level", 6, "gzip level 0..9 for backup")
	pf.Int("workers", 1, "parallel replay workers for restore")
	pf.Int("batch-size", 1000, "records per batch")
	pf.Int("channel-depth", 1, "batches buffered between stages (0 = hand-off)")
	pf.Int("metrics-port", 0, "Prometheus /metrics port (0 = off)")
	pf.Int("grpc-port", 0, "gRPC health port (0 = off)")
	pf.String("log-level", "", "debug|info|warn|error")
	pf.Bool("log-json", false, "log as JSON")

	root.AddCommand(
		runCmd(engine.ModeBackup, "Drain every partition up to its current end into a new archive"),
		runCmd(engine.ModeRestore, "Replay an archive into a topic, keeping each record's partition"),
	)
	return root
}

func runCmd(mode engine.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, overrides(cmd))
			if err != nil {
				return err
			}
			logging.Configure(cfg.Log)

			ctx := cmd.Context()
			e, err := engine.Bootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Run(ctx, mode)
			if err != nil {
				return err
			}
			logging.L().Info(string(mode)+" complete", "topic", cfg.Topic, "file", res.Path, "records", res.Records, "bytes", res.Bytes)
			return nil
		},
	}
}

func overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f != nil && f.Changed {
			out[key] = f.Value.String()
		}
	}
	return out
}
