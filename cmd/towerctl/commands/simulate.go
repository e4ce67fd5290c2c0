package commands

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"towersched/internal/domain"
	"towersched/internal/simulate"
	"towersched/internal/templates"
)

var (
	simDaysFlag  int
	simStartFlag string
	simShowFlag  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate the sleep/wake loop against a fake clock",
	Long: `Simulate the scheduler on a fake clock and in-memory schedule file. Every
requested sleep advances the clock by the sleep plus the wake and shutdown
overheads, so each wake should land on the next event. No tasks run.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simDaysFlag, "days", 1, "number of days to simulate")
	simulateCmd.Flags().StringVar(&simStartFlag, "start", "", "start time (RFC3339 or YYYY-MM-DD, default today 00:00)")
	simulateCmd.Flags().BoolVar(&simShowFlag, "show", false, "list every simulated dispatch")
}

func parseStart(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(domain.DayLayout, s, now.Location())
	if err != nil {
		return time.Time{}, errors.Newf("invalid --start %q", s)
	}
	return t, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	tmpls, err := templates.NewFile(afero.NewOsFs(), cfg.Schedule.Templates).Load(cmd.Context())
	if err != nil {
		return err
	}
	start, err := parseStart(simStartFlag, time.Now())
	if err != nil {
		return err
	}

	rep, err := simulate.Run(cmd.Context(), simulate.Options{
		Templates: tmpls,
		Start:     start,
		Days:      simDaysFlag,
		Timing:    cfg.Timing(),
	})
	if err != nil {
		return err
	}

	if simShowFlag {
		data := pterm.TableData{{"At", "Title", "Function", "Late"}}
		for _, f := range rep.Fired {
			midnight := time.Date(f.At.Year(), f.At.Month(), f.At.Day(), 0, 0, 0, 0, f.At.Location())
			late := int(f.At.Sub(midnight).Seconds()) - f.FireTime
			data = append(data, []string{f.At.Format("2006-01-02 15:04:05"), f.Title, f.Function, fmt.Sprintf("%ds", late)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
	}

	pterm.Info.Printf("%d days from %s: %d cycles, %d rebuilds, %d dispatches, %d sleeps, %d short waits\n",
		simDaysFlag, start.Format(time.RFC3339), rep.Cycles, rep.Rebuilds, len(rep.Fired), len(rep.Sleeps), rep.ShortWaits)
	if late := rep.Late(cfg.Sleep.ExecuteBuffer); len(late) > 0 {
		pterm.Warning.Printf("%d dispatches ran late\n", len(late))
	} else {
		pterm.Success.Println("every dispatch ran on time")
	}
	return nil
}
