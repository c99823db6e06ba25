package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Strob0t/agentrelay/internal/adapter/postgres"
	"github.com/Strob0t/agentrelay/internal/domain/fork"
	"github.com/Strob0t/agentrelay/internal/service"
	"github.com/Strob0t/agentrelay/internal/tenant"
)

var (
	forkOrg    string
	forkUserID string
)

var forkCmd = &cobra.Command{
	Use:   "fork",
	Short: "Copy a project's file tree into a new project",
}

var forkStartCmd = &cobra.Command{
	Use:   "start <source-project-id> <fork-project-id>",
	Short: "Start a fork and copy it to completion",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withForks(cmd.Context(), func(ctx context.Context, forks *service.ForkService) error {
			f, err := forks.Start(ctx, fork.StartRequest{
				UserID:          forkUserID,
				SourceProjectID: args[0],
				ForkProjectID:   args[1],
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fork %s started (%d files)\n", f.ID, f.TotalFiles)
			if err := forks.Run(ctx, f.ID); err != nil {
				return fmt.Errorf("fork %s: %w (resume with: agentrelay fork resume %s)", f.ID, err, f.ID)
			}
			return printProgress(ctx, cmd, forks, f.ID)
		})
	},
}

var forkResumeCmd = &cobra.Command{
	Use:   "resume <fork-id>",
	Short: "Continue an interrupted or failed fork from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withForks(cmd.Context(), func(ctx context.Context, forks *service.ForkService) error {
			if err := forks.Resume(ctx, args[0]); err != nil {
				return err
			}
			return printProgress(ctx, cmd, forks, args[0])
		})
	},
}

var forkStatusCmd = &cobra.Command{
	Use:   "status <fork-id>",
	Short: "Show fork progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withForks(cmd.Context(), func(ctx context.Context, forks *service.ForkService) error {
			return printProgress(ctx, cmd, forks, args[0])
		})
	},
}

func init() {
	forkCmd.PersistentFlags().StringVar(&forkOrg, "org", "", "Organization code owning the projects (required)")
	forkStartCmd.Flags().StringVar(&forkUserID, "user", "", "User starting the fork (required)")
	_ = forkCmd.MarkPersistentFlagRequired("org")
	_ = forkStartCmd.MarkFlagRequired("user")

	forkCmd.AddCommand(forkStartCmd)
	forkCmd.AddCommand(forkResumeCmd)
	forkCmd.AddCommand(forkStatusCmd)
}

// withForks runs fn against a ForkService backed by PostgreSQL only; forks
// never touch the broker or the sandbox.
func withForks(parent context.Context, fn func(context.Context, *service.ForkService) error) error {
	cfg, flush, err := loadConfig()
	if err != nil {
		return err
	}
	defer flush()

	pool, err := postgres.NewPool(parent, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	forks := service.NewForkService(postgres.NewStore(pool), cfg.Fork)
	return fn(tenant.WithOrganization(parent, forkOrg), forks)
}

func printProgress(ctx context.Context, cmd *cobra.Command, forks *service.ForkService, id string) error {
	p, err := forks.Status(ctx, id)
	if err != nil {
		return err
	}
	status := string(p.Status)
	switch p.Status {
	case fork.StatusFinished:
		status = color.GreenString(status)
	case fork.StatusFailed:
		status = color.RedString(status)
	default:
		status = color.YellowString(status)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d/%d files (%.1f%%)\n", status, p.ProcessedFiles, p.TotalFiles, p.Percent)
	if p.ErrMessage != "" {
		fmt.Fprintln(cmd.OutOrStdout(), color.RedString(p.ErrMessage))
	}
	return nil
}
