package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/assignment-service/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "assignment-service",
	Short: "Assigns client service requests to firm providers",
	Long:  "Filters a firm's members for eligibility, scores them on availability, specialization, workload and success rate, and commits the best match or routes the request to a firm admin.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
