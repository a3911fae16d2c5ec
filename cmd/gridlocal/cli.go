package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orrn/gridlocal/internal/api/middleware"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gridlocal",
		Short:         "Local spooler that forwards jobs to fabrication devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var opts serveOptions
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, device poller and relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.portSet = cmd.Flags().Changed("port")
			return runServe(opts)
		},
	}
	serve.Flags().StringVarP(&opts.configPath, "config", "c", "gridlocal.yaml", "Config file (.yaml, .json or .toml)")
	serve.Flags().IntVarP(&opts.port, "port", "p", 0, "Listen port, overrides the config file")
	serve.Flags().BoolVar(&opts.debug, "debug", false, "Debug logging and gin debug mode")

	hash := &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Print a bcrypt hash for server.secret_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := middleware.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}

	var secret string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			tok, err := middleware.GenerateToken(secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&secret, "secret", "", "Shared secret the server is configured with")
	token.Flags().DurationVar(&ttl, "ttl", middleware.DefaultTokenTTL, "Token lifetime")

	root.AddCommand(serve, hash, token)
	return root
}
