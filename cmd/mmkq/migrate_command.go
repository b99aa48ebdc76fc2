package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/migrate"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema (Postgres migrations or Mongo indexes)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				versions, err := migrate.Versions()
				if err != nil {
					return err
				}
				return ctx.output(cmd, versions, func() string {
					return strings.Join(versions, "\n") + "\n"
				})
			}

			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			applied, err := ctx.migrate(cmd.Context(), &cfg, ctx.logger(cmd))
			if err != nil {
				return err
			}
			if applied == nil {
				applied = []string{}
			}
			return ctx.output(cmd, applied, func() string {
				switch {
				case cfg.Store.Driver == config.StoreDriverMemory:
					return "memory store has no schema\n"
				case len(applied) == 0:
					return "schema is up to date\n"
				}
				return fmt.Sprintf("applied: %s\n", strings.Join(applied, ", "))
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List the embedded Postgres migrations and exit")
	return cmd
}
