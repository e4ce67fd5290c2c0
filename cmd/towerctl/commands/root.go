package commands

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"towersched/internal/config"
	"towersched/internal/domain"
)

var (
	configFlag   string
	logLevelFlag string

	cfg *config.Config
)

// RootCmd is the towerctl entry point.
var RootCmd = &cobra.Command{
	Use:   "towerctl",
	Short: "Operate the tower task scheduler",
	Long: `towerctl - run and inspect the tower task scheduler.

Task templates ("ensembles") are expanded into a daily schedule of firing
events. Each wake cycle dispatches the events that are due and computes how
long the machine may sleep before the next one.

Examples:
  towerctl expand                 # Build today's schedule from the templates
  towerctl cycle                  # Run one wake cycle
  towerctl status                 # Show the active schedule
  towerctl reset                  # Force a rebuild on the next cycle
  towerctl history --limit 20     # Show recent dispatches
  towerctl run --api :8080        # Run as a daemon with a status API
  towerctl simulate --days 3      # Simulate sleep/wake against a fake clock`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configFlag)
		if err != nil {
			return errors.Wrap(err, "load configuration")
		}
		if logLevelFlag != "" {
			c.Log.Level = logLevelFlag
		}
		if err := config.InitLogging(c.Log.Level, cmd.ErrOrStderr()); err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default $TOWER_CONFIG, ./tower.*, /etc/tower/tower.*)")
	RootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log.level")

	RootCmd.AddCommand(cycleCmd)
	RootCmd.AddCommand(expandCmd)
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(resetCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(historyCmd)
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(simulateCmd)
}

// ExitCode maps a command error to a process exit status. Template and
// persist failures are 1, anything else (usage, config) is 2.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrTemplateRead), errors.Is(err, domain.ErrPersist):
		return 1
	default:
		return 2
	}
}
