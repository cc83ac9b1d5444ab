package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"photovault/internal/api"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "resource_exhausted":
			lines = append(lines, "hint: the server's staging area is full; retry shortly or lower --parallel.")
		case "storage_unavailable":
			lines = append(lines, "hint: storage is temporarily unavailable; the command can be retried unchanged.")
		case "incomplete_upload":
			lines = append(lines, fmt.Sprintf("hint: chunks %v never arrived; resend them with: photovault upload --resume <fileId>", apiErr.Missing))
		case "assembly_failed":
			lines = append(lines, "hint: chunks are kept on the server; repeat the upload with --resume <fileId> to retry completion.")
		}
		if apiErr.Code == "" {
			lines = append(lines, "hint: verify PHOTOVAULT_API_URL points to a photovault server.")
		}
		if apiErr.Status >= 500 && apiErr.Status != 503 {
			lines = append(lines, "hint: server returned an internal error; check server logs for details.")
		}
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; check server health or increase PHOTOVAULT_HTTP_TIMEOUT.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: ensure a photovault server is running at PHOTOVAULT_API_URL.",
			"hint: start local server manually with: photovault srv",
			"hint: you can increase PHOTOVAULT_HTTP_TIMEOUT for slower environments.",
		)
		return uniqueLines(lines)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
