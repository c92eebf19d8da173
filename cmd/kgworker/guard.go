package main

import (
	"os"

	"github.com/spf13/cobra"

	kgguard "github.com/ronghuaxueleng/chaishu-worker-service/internal/guard"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Supervise worker processes, reclaim zombie chapters, and auto-start created tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := buildLogger()
		ctx := cmd.Context()

		a, err := newApp(ctx, cfgFile, logger)
		if err != nil {
			return err
		}
		defer a.close()

		binary, err := os.Executable()
		if err != nil {
			binary = os.Args[0]
		}
		spawner := &kgguard.ExecSpawner{Binary: binary}

		g := kgguard.New(a.guardConfig(), spawner, a.kv, a.queue, a.tasks, a.chapterTask, a.providerCfg, "", logger)

		logger.Info("guard starting")
		err = g.Run(ctx)
		if err != nil && ctx.Err() != nil {
			logger.Info("guard stopped")
			return nil
		}
		return err
	},
}
