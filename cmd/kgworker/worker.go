package main

import (
	"fmt"

	"github.com/spf13/cobra"

	kgworker "github.com/ronghuaxueleng/chaishu-worker-service/internal/worker"
)

var workerProvider string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the extraction consumer loop for one provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerProvider == "" {
			return fmt.Errorf("--provider is required")
		}
		logger := buildLogger()
		ctx := cmd.Context()

		a, err := newApp(ctx, cfgFile, logger)
		if err != nil {
			return err
		}
		defer a.close()

		w := kgworker.New(workerProvider, a.kv, a.queue, a.throttle, a.extractService(nodeNameFor(workerProvider)), logger,
			kgworker.WithPopTimeout(a.cfg.Queue.ActivePopTimeout))

		logger.Info("worker starting", "provider", workerProvider)
		err = w.Run(ctx)
		if err != nil && ctx.Err() != nil {
			logger.Info("worker stopped", "provider", workerProvider)
			return nil
		}
		return err
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerProvider, "provider", "", "provider name this worker consumes (required)")
}

func nodeNameFor(provider string) string {
	return fmt.Sprintf("worker-%s", provider)
}
