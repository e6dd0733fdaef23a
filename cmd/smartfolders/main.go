// Package main is the entry point for the smartfolders CLI.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/pkg/app"
	"github.com/spf13/cobra"

	// Compiled-in modules.
	_ "github.com/flemzord/smartfolders/internal/gateway"
	_ "github.com/flemzord/smartfolders/modules/channel/telegram"
	_ "github.com/flemzord/smartfolders/modules/store/sqlite"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "smartfolders",
		Short:         "Relay Telegram channels into per-folder aggregation channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), startCmd(), configCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and compiled modules",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "smartfolders %s (commit: %s, built: %s)\n", version, commit, date)
	namespaces := core.Namespaces()
	if len(namespaces) == 0 {
		fmt.Fprintln(w, "\nNo compiled modules.")
		return
	}
	fmt.Fprintln(w, "\nCompiled modules:")
	for _, ns := range namespaces {
		fmt.Fprintf(w, "  %s:\n", ns)
		for _, mod := range core.GetModulesByNamespace(ns) {
			fmt.Fprintf(w, "    %s\n", mod.ID)
		}
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay with all configured modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			levelName, _ := cmd.Flags().GetString("log-level")
			if !cmd.Flags().Changed("log-level") {
				if env, ok := os.LookupEnv("LOG_LEVEL"); ok {
					levelName = env
				}
			}
			level, err := security.ParseLevel(levelName)
			if err != nil {
				return err
			}

			return app.Run(app.RunParams{
				ConfigPath: cfgPath,
				Version:    version,
				Commit:     commit,
				Date:       date,
				DataDir:    dataDir,
				LogLevel:   level,
			})
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("data-dir", "", "Override relay.data_dir")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration and provision every module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.Check(args[0], nil)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.String())
			return nil
		},
	})
	return cmd
}
