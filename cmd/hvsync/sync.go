package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/telemetry"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/workflow"
)

var flagSyncProject string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Sync runs a single full orchestration, prints the cycle summary, and
exits. With --project, only the named project is synced. With --dry-run,
planned writes are logged instead of applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync()
	},
}

func init() {
	syncCmd.Flags().StringVar(&flagSyncProject, "project", "", "Sync only this project identifier")
}

func runSync() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "hvsync", Version); err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutCtx)
	}()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if flagSyncProject != "" {
		err = a.eng.RunInline(ctx, "project-sync/"+flagSyncProject, "ProjectSyncWorkflow", "manual",
			func(wctx *workflow.Context) error {
				return wctx.Execute("syncProject/"+flagSyncProject, func(actx context.Context) error {
					return a.orch.SyncSingleProject(actx, flagSyncProject)
				})
			})
		if err != nil {
			return fatalRuntime(err)
		}
		fmt.Printf("project %s synced\n", flagSyncProject)
		return nil
	}

	var res types.CycleResult
	err = a.eng.RunInline(ctx, "orchestration", "OrchestrationWorkflow", "manual",
		func(wctx *workflow.Context) error {
			var err error
			res, err = a.orch.RunCycle(wctx)
			return err
		})
	if err != nil {
		return fatalRuntime(err)
	}

	logger.Info("cycle complete",
		zap.Int("projects", res.ProjectsProcessed),
		zap.Int("synced", res.IssuesSynced),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", res.Duration))
	fmt.Printf("synced %d issues across %d projects (%d created, %d updated, %d skipped, %d errors)\n",
		res.IssuesSynced, res.ProjectsProcessed, res.Created, res.Updated, res.Skipped, res.Errors)
	if res.Errors > 0 {
		return fatalRuntime(fmt.Errorf("cycle finished with %d errors", res.Errors))
	}
	return nil
}
