package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/app"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/packaging"
)

var (
	runPackageID   string
	runOutput      string
	runConcurrency int
	runArchive     bool
	runSkip        []string
	runStrict      bool
)

var runCmd = &cobra.Command{
	Use:   "run <mission.yaml>",
	Short: "Generate one package and wait for it",
	Long: `Generate every phase of a mission package and block until it finishes.

Interrupting the command cancels outstanding jobs; phases that already
finished are kept and a partial manifest is written.

Examples:
  packager run missions/rescue.yaml
  packager run missions/rescue.yaml --package-id rescue-v2 --archive
  packager run missions/rescue.yaml --skip voice,sounds --concurrency 1`,
	Args: cobra.ExactArgs(1),
	RunE: runPackage,
}

func init() {
	runCmd.Flags().StringVar(&runPackageID, "package-id", "", "package id (default: generated)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "storage root (default: STORAGE_PATH)")
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "c", 0, "parallel jobs per phase")
	runCmd.Flags().BoolVar(&runArchive, "archive", false, "also write a zip archive")
	runCmd.Flags().StringSliceVar(&runSkip, "skip", nil, "phases to skip")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "exit non-zero when any asset failed")
}

func runPackage(cmd *cobra.Command, args []string) error {
	mission, err := packaging.LoadPackageConfig(args[0])
	if err != nil {
		return err
	}
	applyRunFlags(&mission)
	if err := mission.Validate(); err != nil {
		return err
	}
	if runOutput != "" {
		cfg.StoragePath = runOutput
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.Build(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+5*time.Second)
		defer cancel()
		_ = container.Close(closeCtx)
	}()

	_, result, err := container.Service.Submit(ctx, mission, true)
	if err != nil {
		return err
	}
	writeSummary(cmd.OutOrStdout(), result)
	if runStrict && result.Failed > 0 {
		return fmt.Errorf("%d of %d assets failed", result.Failed, result.Requested)
	}
	if result.Cancelled {
		return fmt.Errorf("package %s cancelled", result.PackageID)
	}
	return nil
}

func applyRunFlags(mission *domain.PackageConfig) {
	if runPackageID != "" {
		mission.PackageID = runPackageID
	}
	if runConcurrency > 0 {
		mission.Concurrency = runConcurrency
	}
	if runArchive {
		mission.Archive = true
	}
	for _, p := range runSkip {
		mission.SkipPhases = append(mission.SkipPhases, domain.Phase(p))
	}
}

func writeSummary(w io.Writer, res *domain.PackageResult) {
	fmt.Fprintf(w, "package %s: %d/%d assets generated in %s\n",
		res.PackageID, res.Succeeded, res.Requested, res.Duration.Round(time.Millisecond))
	if res.Manifest != nil {
		for _, ph := range res.Manifest.Phases {
			if ph.Skipped {
				fmt.Fprintf(w, "  %-15s skipped\n", ph.Phase)
				continue
			}
			fmt.Fprintf(w, "  %-15s %d ok, %d failed\n", ph.Phase, ph.Succeeded, ph.Failed)
		}
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  failed %s/%s (%s): %s\n", f.Phase, f.AssetID, f.Status, f.Error)
	}
	if res.ManifestPath != "" {
		fmt.Fprintf(w, "manifest: %s\n", res.ManifestPath)
	}
	if res.ArchivePath != "" {
		fmt.Fprintf(w, "archive: %s\n", res.ArchivePath)
	}
	if res.Cancelled {
		fmt.Fprintln(w, "cancelled: manifest is partial")
	}
}
