package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"photovault/internal/config"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		logLevel string
		out      outputOptions
	)

	cmd := &cobra.Command{
		Use:           "photovault",
		Short:         "Photovault stores report photos uploaded in chunks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			return out.resolve()
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&out.json, "json", false, "output JSON")
	cmd.PersistentFlags().StringVar(&out.format, "output", "", "structured output format: json, json-pretty or yaml")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newUploadCmd(cfg, &out),
		newUploadsCmd(cfg, &out),
		newGetCmd(cfg, &out),
		newStatCmd(cfg, &out),
		newRmCmd(cfg, &out),
		newSearchCmd(cfg, &out),
		newResolveCmd(cfg, &out),
		newPhotosCmd(cfg, &out),
		newSweepCmd(cfg, &out),
		newInfoCmd(cfg, &out),
		newMigrateCmd(cfg, &out),
		newConfigCmd(cfg),
	)

	return cmd
}
