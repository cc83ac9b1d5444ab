package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// requireArgs accepts between min and max positional arguments naming a
// photo, upload or report; max 0 means unbounded. Blank names are rejected
// before any request is sent.
func requireArgs(what string, min, max int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		switch {
		case len(args) < min:
			return fmt.Errorf("%s is required", what)
		case max > 0 && len(args) > max:
			return fmt.Errorf("expected at most %d %s, got %d", max, what, len(args))
		}
		for i, arg := range args {
			if strings.TrimSpace(arg) == "" {
				return fmt.Errorf("%s %d is blank", what, i+1)
			}
		}
		return nil
	}
}
