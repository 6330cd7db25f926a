package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/ingestcoord/internal/common/app"
	"github.com/G-Research/ingestcoord/internal/common/config"
	"github.com/G-Research/ingestcoord/internal/common/logging"
	"github.com/G-Research/ingestcoord/internal/ingester"
	"github.com/G-Research/ingestcoord/internal/ingester/configuration"
)

const (
	CustomConfigLocation = "config"
	DryRun               = "dry-run"
	defaultConfigPath    = "./config/ingester"
	envPrefix            = "INGESTCOORD"
)

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ingester",
		Short:        "ingester fetches remote objects and writes their records to partitions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags())
		},
	}
	cmd.Flags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	cmd.Flags().Bool(DryRun, false, "Fetch and decode everything but keep records in memory instead of writing to the configured sink")
	return cmd
}

func run(flags *pflag.FlagSet) error {
	userSpecifiedConfigs, err := flags.GetStringSlice(CustomConfigLocation)
	if err != nil {
		return err
	}
	dryRun, err := flags.GetBool(DryRun)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(userSpecifiedConfigs)
	if err != nil {
		return err
	}
	if err := logging.ConfigureLogging(cfg.Logging); err != nil {
		return err
	}

	ctx := app.CreateContextWithShutdown()
	summary, err := ingester.Run(ctx, cfg, dryRun)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Ingestion failed")
		return err
	}
	for partition, records := range summary.Partitions() {
		ctx.Log.WithField("partition", partition).Infof("Ingested %d records", records)
	}
	return nil
}

func loadConfig(userSpecified []string) (configuration.IngesterConfiguration, error) {
	cfg := configuration.Default()
	if _, err := config.LoadConfig(&cfg, defaultConfigPath, userSpecified, envPrefix); err != nil {
		return cfg, err
	}
	return cfg, nil
}
