package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerOnce bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Processes queued PowerWatch events",
	Long: `Polls the event store, claims RECEIVED events oldest first and resolves them into
devices, service history and recommendations. Stale claims are requeued or abandoned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "reclaim stale events, drain the queue and exit")
}

func runWorker() error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := app.services.Worker
	if workerOnce {
		if _, err := worker.ReclaimStale(ctx); err != nil {
			return err
		}
		for {
			processed, err := worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			if !processed {
				break
			}
		}
		logger.WithFields(logrus.Fields(worker.Stats())).Info("Queue drained")
		return nil
	}

	if err := worker.Run(ctx); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields(worker.Stats())).Info("Worker totals")
	return nil
}
