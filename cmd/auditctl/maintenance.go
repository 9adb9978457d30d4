package main

import (
	"errors"
	"fmt"

	"regaudit-go/internal/app"
	"regaudit-go/pkg/token"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var errInconsistent = errors.New("metadata store and vector index disagree")

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector index from the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				var bar *progressbar.ProgressBar
				report, err := a.Coordinator.Rebuild(cmd.Context(), func(done, total int) {
					if bar == nil {
						bar = newProgressBar(total, "embedding")
					}
					if bar != nil {
						_ = bar.Set(done)
					}
				})
				if bar != nil {
					_ = bar.Finish()
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that every metadata row has exactly one vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Coordinator.Check(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Consistent {
					return fmt.Errorf("%w: run 'auditctl reindex'", errInconsistent)
				}
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show counts, consistency and background process state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				status, err := a.Regulation.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newEntitiesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Extract named entities for chunks not yet processed",
		Long: `Entities resumes from the last processed chunk and asks the completion
service for the named entities of each chunk. Progress is saved after every chunk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Entities.Run(cmd.Context(), limit)
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d chunks\n", n)
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of chunks to process (0 = all)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var operator, role string
	var hours int

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the protected endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is not configured; protected endpoints are open")
			}
			if hours <= 0 {
				hours = cfg.JWT.TokenExpireHours
			}
			tok, err := token.NewJWTManager(cfg.JWT.Secret, hours).GenerateToken(operator, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded in the token")
	cmd.Flags().StringVar(&role, "role", token.RoleOperator, "role claim")
	cmd.Flags().IntVar(&hours, "hours", 0, "validity in hours (default from config)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
