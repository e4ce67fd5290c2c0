package commands

import (
	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"towersched/internal/app"
	"towersched/internal/controller"
	"towersched/internal/sleeptimer"
	"towersched/internal/store"
)

var noSleepFlag bool

var cycleCmd = &cobra.Command{
	Use:   "cycle [active_schedule_path]",
	Short: "Run one wake cycle",
	Long: `Run one wake cycle: dispatch every due event, persist the cursor and hand
the computed sleep to the configured timer (sleep.timer).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCycle,
}

func init() {
	cycleCmd.Flags().BoolVar(&noSleepFlag, "no-sleep", false, "compute the sleep but do not call the timer")
}

func runCycle(cmd *cobra.Command, args []string) error {
	a, err := app.New(cfg, firstArg(args))
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []controller.Option
	if !noSleepFlag {
		sleeper, err := sleeptimer.New(cfg.Timer(), a.Clock)
		if err != nil {
			return err
		}
		opts = append(opts, controller.WithSleeper(sleeper))
	}

	lock, err := store.AcquireLock(a.Store.Path())
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			pterm.Warning.Println("another wake cycle is running")
			return nil
		}
		return err
	}
	defer lock.Release()

	res, err := a.Controller(opts...).RunCycle(cmd.Context())
	if err != nil {
		return err
	}
	log.Debug().Interface("trace", res.Trace).Msg("cycle trace")

	if res.Rebuilt {
		pterm.Info.Println("schedule rebuilt")
	}
	for _, o := range res.Dispatched {
		if o.Err != nil {
			pterm.Error.Printf("%s (%s) failed: %v\n", o.Event.Title, o.Event.Function, o.Err)
		} else {
			pterm.Success.Printf("%s (%s)\n", o.Event.Title, o.Event.Function)
		}
	}
	pterm.Info.Printf("cursor %d, next fire %s, sleep %ds\n", res.Cursor, formatSeconds(res.NextFire), res.SleepSeconds)
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
