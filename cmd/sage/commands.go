package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DaveLoeffel/sage-app-sub001/auth"
	"github.com/DaveLoeffel/sage-app-sub001/db"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scanCmd(opts *rootOptions) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan-and-advance pass now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			sum, err := a.scheduler().RunPass(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, sum); err != nil {
				return err
			}
			if !drain {
				return nil
			}
			st, err := a.dispatcher().Drain(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().BoolVar(&drain, "dispatch", false, "drain the dispatch outbox after the pass")
	return cmd
}

func dispatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Drain the dispatch outbox once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			st, err := a.dispatcher().Drain(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema is created on open; nothing to migrate")
				return nil
			}
			pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func tokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API credentials",
	}

	hash := &cobra.Command{
		Use:   "hash",
		Short: "Read a client secret from stdin and print its bcrypt hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			h, err := auth.HashSecret(strings.TrimSpace(line))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}

	var (
		subject string
		role    string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			res, err := auth.NewService(nil, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).Sign(subject, auth.Role(role))
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	issue.Flags().StringVar(&subject, "subject", "operator", "token subject recorded as the actor")
	issue.Flags().StringVar(&role, "role", string(auth.RoleOperator), "operator, service or viewer")

	cmd.AddCommand(hash, issue)
	return cmd
}

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
