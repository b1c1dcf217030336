package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-as2/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "as2d",
		Short: "AS2 message exchange server",
		Long: `as2d receives and sends EDI payloads over AS2 (RFC 4130), with S/MIME
signing and encryption, compression and MDN receipts.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "as2.yaml", "path to configuration file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newSendCmd(load))
	rootCmd.AddCommand(newPartnersCmd(load))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "as2d %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	})

	return rootCmd
}

type loader func() (*config.Config, error)
