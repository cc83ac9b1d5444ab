package main

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"photovault/internal/api"
	"photovault/internal/config"
)

func newSweepCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove idle upload sessions now instead of waiting for the next sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				if out.structured() {
					return out.write(resp)
				}
				return writePlain("scanned=%d removed=%d failed=%d\n", resp.Scanned, resp.Removed, resp.Failed)
			})
		},
	}
}

func newInfoCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show storage and upload statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.GetInfo(cmd.Context())
				if err != nil {
					return err
				}

				if out.structured() {
					return out.write(resp)
				}

				_ = writePlain("version: %s\n", resp.Version)
				_ = writePlain("db_path: %s\n", resp.DBPath)
				_ = writePlain("schema_version: %d\n", resp.SchemaVersion)
				_ = writePlain("default_bucket: %s\n", resp.DefaultBucket)
				_ = writePlain("total_objects: %d\n", resp.TotalObjects)

				buckets := make([]string, 0, len(resp.ObjectCounts))
				for bucket := range resp.ObjectCounts {
					buckets = append(buckets, bucket)
				}
				sort.Strings(buckets)
				for _, bucket := range buckets {
					_ = writePlain("  %s: %d objects, %s\n", bucket, resp.ObjectCounts[bucket], humanize.IBytes(uint64(resp.ObjectBytes[bucket])))
				}
				_ = writePlain("report_links: %d\n", resp.ReportLinks)
				_ = writePlain("active_uploads: %d\n", resp.ActiveSessions)
				return writePlain("staging: %s\n", humanize.IBytes(uint64(resp.StagingBytes)))
			})
		},
	}
}
