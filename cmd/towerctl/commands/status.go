package commands

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"towersched/internal/clock"
	"towersched/internal/domain"
	"towersched/internal/history"
	"towersched/internal/store"
)

var (
	statusAllFlag    bool
	historyLimitFlag int
)

var statusCmd = &cobra.Command{
	Use:   "status [active_schedule_path]",
	Short: "Show the active schedule",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := firstArg(args)
		if path == "" {
			path = cfg.Schedule.Active
		}
		s, err := store.NewFileStore(afero.NewOsFs(), path).Load(cmd.Context())
		if err != nil {
			if errors.Is(err, domain.ErrStateNotFound) {
				pterm.Warning.Printf("no usable active schedule at %s; the next cycle rebuilds it\n", path)
				return nil
			}
			return err
		}
		if !statusAllFlag && !s.NeedsSetup() {
			s.Events = s.Events[s.Cursor:]
			s.Cursor = 0
		}
		pterm.Info.Printf("now %s\n", formatSeconds(clock.CurrentSecondsOfDay(clock.System{})))
		return renderSchedule(s)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent dispatches and next fire times",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.History.Path == "" {
			return errors.New("history is disabled (history.path is empty)")
		}
		rec, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer rec.Close()

		ds, err := rec.ListDispatches(cmd.Context(), historyLimitFlag)
		if err != nil {
			return err
		}
		data := pterm.TableData{{"Dispatched", "Day", "Title", "Function", "Fire time", "Result"}}
		for _, d := range ds {
			result := "ok"
			if !d.Success {
				result = d.Error
			}
			data = append(data, []string{
				d.DispatchedAt.Local().Format("2006-01-02 15:04:05"), d.Day, d.Title, d.Function, formatSeconds(d.FireTime), result,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}

		nf, err := rec.ListNextFires(cmd.Context())
		if err != nil {
			return err
		}
		data = pterm.TableData{{"Template", "Day", "Next fire"}}
		for _, n := range nf {
			data = append(data, []string{n.Template, n.Day, formatSeconds(n.FireTime)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusAllFlag, "all", false, "include events that already fired")
	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", 20, "number of dispatches to show")
}

func renderSchedule(s domain.ActiveSchedule) error {
	day := s.Day
	if day == "" {
		day = "today"
	}
	switch {
	case s.Cursor == domain.NeedsSetup:
		pterm.Info.Printf("schedule for %s: rebuild pending\n", day)
	case s.NeedsSetup():
		pterm.Warning.Printf("schedule for %s: cursor %d out of range\n", day, s.Cursor)
	default:
		e := s.Events[s.Cursor]
		pterm.Info.Printf("schedule for %s: next %s at %s\n", day, e.Title, formatSeconds(e.Time))
	}

	data := pterm.TableData{{"#", "Time", "Title", "Function"}}
	for i, e := range s.Events {
		mark := strconv.Itoa(i)
		if i == s.Cursor {
			mark = "> " + mark
		}
		data = append(data, []string{mark, formatSeconds(e.Time), e.Title, e.Function})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// formatSeconds renders an offset from midnight as HH:MM:SS, with a day
// suffix past midnight.
func formatSeconds(s int) string {
	days := s / domain.SecondsPerDay
	s %= domain.SecondsPerDay
	if s < 0 {
		s += domain.SecondsPerDay
		days--
	}
	out := fmt.Sprintf("%02d:%02d:%02d", s/3600, s%3600/60, s%60)
	if days != 0 {
		out += fmt.Sprintf(" %+dd", days)
	}
	return out
}
