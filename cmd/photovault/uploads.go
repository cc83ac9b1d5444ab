package main

import (
	"github.com/spf13/cobra"

	"photovault/internal/api"
	"photovault/internal/config"
	"photovault/internal/models"
)

func newUploadsCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Inspect and abort in-progress upload sessions",
	}

	cmd.AddCommand(newUploadListCmd(cfg, out))
	cmd.AddCommand(newUploadStatusCmd(cfg, out))
	cmd.AddCommand(newUploadAbortCmd(cfg, out))
	return cmd
}

func newUploadListCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List in-progress upload sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want models.SessionState
			if state != "" {
				parsed, err := models.ParseSessionState(state)
				if err != nil {
					return err
				}
				want = parsed
			}

			return withClient(cfg, func(client *api.Client) error {
				all, err := client.ListUploads(cmd.Context())
				if err != nil {
					return err
				}
				sessions := filterSessions(all, want)
				if out.structured() {
					return out.write(sessions)
				}
				if len(sessions) == 0 {
					return writePlain("no uploads in progress\n")
				}
				for _, s := range sessions {
					if err := writePlain("%s\n", formatSessionLine(s)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only sessions in this state (created, receiving, complete)")
	return cmd
}

func filterSessions(sessions []api.SessionResponse, state models.SessionState) []api.SessionResponse {
	if state == "" {
		return sessions
	}
	out := make([]api.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		if s.State == state {
			out = append(out, s)
		}
	}
	return out
}

func newUploadStatusCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <fileId>",
		Short: "Show progress of one upload session",
		Args:  requireArgs("upload file id", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				status, err := client.UploadStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if out.structured() {
					return out.write(status)
				}
				return writePlain("%s\n", formatSessionLine(status))
			})
		},
	}
}

func newUploadAbortCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <fileId>...",
		Short: "Abort upload sessions and drop their staged chunks",
		Args:  requireArgs("upload file id", 1, 0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				for _, id := range args {
					if err := client.AbortUpload(cmd.Context(), id); err != nil {
						return err
					}
					if out.structured() {
						if err := out.write(map[string]any{"fileId": id, "aborted": true}); err != nil {
							return err
						}
						continue
					}
					if err := writePlain("aborted %s\n", id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
