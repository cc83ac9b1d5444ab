package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"photovault/internal/api"
	"photovault/internal/config"
)

func newGetCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	var (
		output    string
		thumbnail bool
		bucket    string
	)

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Download a stored photo",
		Args:  requireArgs("file id", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size := ""
			if thumbnail {
				size = "thumbnail"
			}
			return withClient(cfg, func(client *api.Client) error {
				if output == "-" {
					_, err := client.DownloadFile(cmd.Context(), args[0], size, bucket, os.Stdout)
					return err
				}

				target := output
				if target == "" {
					target = args[0]
				}
				tmp, err := os.CreateTemp(filepath.Dir(target), ".photovault-get-*")
				if err != nil {
					return err
				}
				defer os.Remove(tmp.Name())

				dl, err := client.DownloadFile(cmd.Context(), args[0], size, bucket, tmp)
				if closeErr := tmp.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
				if output == "" && dl.Filename != "" {
					target = filepath.Base(dl.Filename)
				}
				if err := os.Rename(tmp.Name(), target); err != nil {
					return err
				}

				if out.structured() {
					return out.write(map[string]any{"id": args[0], "path": target, "contentType": dl.ContentType, "size": dl.Size})
				}
				return writePlain("saved %s (%s)\n", target, dl.ContentType)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "to", "o", "", "write to this path (- for stdout; default: stored filename)")
	cmd.Flags().BoolVar(&thumbnail, "thumbnail", false, "download the thumbnail, falling back to the original")
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket to read from")
	return cmd
}

func newStatCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "stat <id>",
		Short: "Show metadata of a stored photo",
		Args:  requireArgs("file id", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				info, err := client.FileInfo(cmd.Context(), args[0], bucket)
				if err != nil {
					return err
				}
				if out.structured() {
					return out.write(info)
				}
				return writeFileInfo(info)
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket to read from")
	return cmd
}

func newRmCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete stored photos with their thumbnails and report links",
		Args:  requireArgs("file id", 1, 0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				results := make([]api.DeleteResponse, 0, len(args))
				for _, id := range args {
					resp, err := client.DeleteFile(cmd.Context(), id, bucket)
					if err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					results = append(results, resp)
				}
				if out.structured() {
					return out.write(results)
				}
				for _, resp := range results {
					if err := writePlain("deleted %s\n", resp.ID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket to delete from")
	return cmd
}

// searchFilter collects the search flags that map onto /v1/files/search.
type searchFilter struct {
	filename    string
	contentType string
	report      string
	pattern     string
	bucket      string
	meta        map[string]string
	limit       int
}

// query renders the filter; blank flags are left out so the server applies
// its defaults.
func (f searchFilter) query() (url.Values, error) {
	query := url.Values{}
	for key, value := range map[string]string{
		"filename":    f.filename,
		"contentType": f.contentType,
		"ownerId":     f.report,
		"pattern":     f.pattern,
		"bucket":      f.bucket,
	} {
		if value = strings.TrimSpace(value); value != "" {
			query.Set(key, value)
		}
	}
	for key, value := range f.meta {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("--meta keys must not be blank")
		}
		query.Set("meta."+key, value)
	}
	if f.limit < 0 {
		return nil, fmt.Errorf("--limit must not be negative")
	}
	if f.limit > 0 {
		query.Set("limit", strconv.Itoa(f.limit))
	}
	return query, nil
}

func newSearchCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	var filter searchFilter

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find stored photos by name, type, report or metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := filter.query()
			if err != nil {
				return err
			}

			return withClient(cfg, func(client *api.Client) error {
				found, err := client.SearchFiles(cmd.Context(), query)
				if err != nil {
					return err
				}
				if out.structured() {
					return out.write(found)
				}
				for _, info := range found {
					if err := writePlain("%s\n", formatFileLine(info)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.filename, "filename", "", "filename substring (case-insensitive)")
	cmd.Flags().StringVar(&filter.contentType, "content-type", "", "content type substring")
	cmd.Flags().StringVar(&filter.report, "report", "", "report id the photos belong to")
	cmd.Flags().StringVar(&filter.pattern, "pattern", "", "filename glob, e.g. 'roof*.jpg'")
	cmd.Flags().StringVar(&filter.bucket, "bucket", "", "bucket to search")
	cmd.Flags().StringToStringVar(&filter.meta, "meta", nil, "metadata filters key=value")
	cmd.Flags().IntVar(&filter.limit, "limit", 0, "maximum results (default: server default)")
	return cmd
}

func newResolveCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "resolve <ref>",
		Short: "Map an id, legacy path or filename to a stored photo",
		Args:  requireArgs("ref", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				info, err := client.ResolveFile(cmd.Context(), args[0], bucket)
				if err != nil {
					return err
				}
				if out.structured() {
					return out.write(info)
				}
				return writePlain("%s\n", formatFileLine(info))
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket to search")
	return cmd
}

func newPhotosCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "photos <reportId>",
		Short: "List photos linked to a report",
		Args:  requireArgs("report id", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				photos, err := client.ReportPhotos(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if out.structured() {
					return out.write(photos)
				}
				if len(photos) == 0 {
					return writePlain("no photos linked to %s\n", args[0])
				}
				for _, photo := range photos {
					if err := writePlain("%s\n", formatPhotoLine(photo)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
