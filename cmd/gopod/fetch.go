package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datallboy/gopod/internal/app"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/engine"
	"github.com/datallboy/gopod/internal/infra/logger"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newFetchCmd() *cobra.Command {
	var output, title string

	cmd := &cobra.Command{
		Use:   "fetch <episode-page-url>",
		Short: "Download a single episode and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0], title, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default: save_dir/<title>)")
	cmd.Flags().StringVarP(&title, "title", "t", "", "episode title used for the default file name")
	return cmd
}

func runFetch(cmd *cobra.Command, link, title, output string) error {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}

	// Keep the terminal for the progress bar
	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), false)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := engine.NewManager(app.NewContext(cfg, log), engine.OptionsFromConfig(cfg.Download, log))
	if err != nil {
		return err
	}

	task, err := mgr.AddEpisode(domain.Episode{PageLink: link, Title: title}, output)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(-1, "downloading "+task.ID())
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

Loop:
	for {
		select {
		case <-ticker.C:
			updateBar(bar, task)
		case <-ctx.Done():
			mgr.Cancel(task.ID())
			<-task.Done()
			break Loop
		case <-task.Done():
			break Loop
		}
	}
	updateBar(bar, task)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	if err := task.Err(); err != nil {
		return err
	}
	fmt.Println(task.Destination())
	return nil
}

func updateBar(bar *progressbar.ProgressBar, task *engine.Task) {
	written, total := task.Progress()
	if total > 0 && bar.GetMax64() != total {
		bar.ChangeMax64(total)
	}
	_ = bar.Set64(written)
}
