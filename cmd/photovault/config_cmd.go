package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"photovault/internal/config"
)

func newConfigCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change vault settings",
	}

	cmd.AddCommand(newConfigGetCmd(cfg))
	cmd.AddCommand(newConfigListCmd(cfg))
	cmd.AddCommand(newConfigSetCmd())
	return cmd
}

func newConfigGetCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one effective setting",
		Args:  requireArgs("config key", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.IsAllowedKey(args[0]) {
				return unknownConfigKeyError(args[0])
			}
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			return writePlain("%s\n", value)
		},
	}
}

func newConfigListCmd(cfg *config.Config) *cobra.Command {
	var section string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print every effective setting after env overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := configKeysInSection(section)
			if err != nil {
				return err
			}
			for _, key := range keys {
				value, err := cfg.Get(key)
				if err != nil {
					return err
				}
				if err := writePlain("%s = %s\n", key, value); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&section, "section", "", "only keys under this section (uploads or blobs)")
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting to the project or global config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !config.IsAllowedKey(key) {
				return unknownConfigKeyError(key)
			}

			pathFn := config.ProjectPath
			if global {
				pathFn = config.GlobalPath
			}
			path, err := pathFn()
			if err != nil {
				return err
			}

			if err := config.SetKey(path, key, value); err != nil {
				return err
			}
			return writePlain("%s written to %s\n", key, path)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write to global config (~/.photovault.toml)")
	return cmd
}

// unknownConfigKeyError points at keys sharing the unknown key's last
// segment, so "max_chunk_bytes" suggests "uploads.max_chunk_bytes".
func unknownConfigKeyError(key string) error {
	leaf := key[strings.LastIndex(key, ".")+1:]
	var hints []string
	for _, allowed := range config.AllowedKeys() {
		if allowed != key && (allowed == leaf || strings.HasSuffix(allowed, "."+leaf)) {
			hints = append(hints, allowed)
		}
	}
	if len(hints) > 0 {
		return fmt.Errorf("unknown key: %s (did you mean %s?)", key, strings.Join(hints, " or "))
	}
	return fmt.Errorf("unknown key: %s (run 'photovault config list' for all keys)", key)
}

func configKeysInSection(section string) ([]string, error) {
	section = strings.TrimSuffix(strings.TrimSpace(section), ".")
	if section == "" {
		return config.AllowedKeys(), nil
	}
	var keys []string
	for _, key := range config.AllowedKeys() {
		if strings.HasPrefix(key, section+".") {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("unknown config section: %s", section)
	}
	return keys, nil
}
