package main

import (
	"github.com/spf13/cobra"

	kgscheduler "github.com/ronghuaxueleng/chaishu-worker-service/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the batch-promotion loop that moves queued tasks into active batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := buildLogger()
		ctx := cmd.Context()

		a, err := newApp(ctx, cfgFile, logger)
		if err != nil {
			return err
		}
		defer a.close()

		s := kgscheduler.New(a.kv, a.queue, a.cfg.Queue.SchedulerInterval, a.cfg.Queue.BatchSize, logger)
		logger.Info("scheduler starting", "interval", a.cfg.Queue.SchedulerInterval, "batch_size", a.cfg.Queue.BatchSize)
		err = s.Run(ctx)
		if err != nil && ctx.Err() != nil {
			logger.Info("scheduler stopped")
			return nil
		}
		return err
	},
}
