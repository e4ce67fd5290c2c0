package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"towersched/internal/clock"
	"towersched/internal/scheduler"
	"towersched/internal/store"
	"towersched/internal/templates"
)

var (
	expandDayFlag    string
	expandDryRunFlag bool
)

var expandCmd = &cobra.Command{
	Use:   "expand [active_schedule_path]",
	Short: "Expand the templates into the active schedule",
	Long: `Expand the task templates (schedule.templates) into one day of firing events
and overwrite the active schedule with the cursor at the first event.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExpand,
}

var validateCmd = &cobra.Command{
	Use:   "validate [templates_path]",
	Short: "Check a template file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Schedule.Templates
		if len(args) == 1 {
			path = args[0]
		}
		tmpls, err := templates.NewFile(afero.NewOsFs(), path).Load(cmd.Context())
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s: %d templates, %d events per day\n", path, len(tmpls), len(scheduler.Expand(tmpls).Events))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset [active_schedule_path]",
	Short: "Mark the active schedule for rebuild on the next cycle",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := firstArg(args)
		if path == "" {
			path = cfg.Schedule.Active
		}
		lock, err := store.AcquireLock(path)
		if err != nil {
			return err
		}
		defer lock.Release()

		day := clock.Day(clock.System{}.Now())
		if err := store.Reset(cmd.Context(), store.NewFileStore(afero.NewOsFs(), path), day); err != nil {
			return err
		}
		pterm.Success.Printf("%s will be rebuilt for %s on the next cycle\n", path, day)
		return nil
	},
}

func init() {
	expandCmd.Flags().StringVar(&expandDayFlag, "day", "", "day the schedule applies to (YYYY-MM-DD, default today)")
	expandCmd.Flags().BoolVar(&expandDryRunFlag, "dry-run", false, "print the events without writing")
}

func runExpand(cmd *cobra.Command, args []string) error {
	fs := afero.NewOsFs()
	tmpls, err := templates.NewFile(fs, cfg.Schedule.Templates).Load(cmd.Context())
	if err != nil {
		return err
	}

	day := expandDayFlag
	if day == "" {
		day = clock.Day(clock.System{}.Now())
	} else if _, err := clock.DaysBetween(day, day); err != nil {
		return err
	}

	if expandDryRunFlag {
		s := scheduler.Expand(tmpls)
		s.Day = day
		return renderSchedule(s)
	}

	path := firstArg(args)
	if path == "" {
		path = cfg.Schedule.Active
	}
	st := store.NewFileStore(fs, path)
	lock, err := store.AcquireLock(path)
	if err != nil {
		return err
	}
	defer lock.Release()

	s, err := scheduler.Setup(cmd.Context(), st, tmpls, day)
	if err != nil {
		return err
	}
	pterm.Success.Printf("wrote %d events for %s to %s\n", len(s.Events), day, path)
	return nil
}
