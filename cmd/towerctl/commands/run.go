package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"towersched/internal/api"
	"towersched/internal/app"
	"towersched/internal/daemon"
)

var (
	apiAddrFlag string
	debugFlag   bool
)

var runCmd = &cobra.Command{
	Use:   "run [active_schedule_path]",
	Short: "Run wake cycles continuously",
	Long: `Run wake cycles in one long-lived process. Between cycles the daemon waits
in process for the computed sleep, local midnight, or a change to the
template file (which rebuilds today's schedule without refiring elapsed
events). Hardware sleep timers are only used by "towerctl cycle".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&apiAddrFlag, "api", "", "status API bind address (default api.addr)")
	runCmd.Flags().BoolVar(&debugFlag, "debug", false, "expose pprof on the status API")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := app.New(cfg, firstArg(args))
	if err != nil {
		return err
	}
	defer a.Close()

	d := daemon.New(a.Controller(), daemon.Options{
		LockPath:  a.Store.Path(),
		Templates: cfg.Schedule.Templates,
		Recorder:  a.Recorder,
		Keep:      cfg.History.Keep,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	addr := apiAddrFlag
	if addr == "" {
		addr = cfg.API.Addr
	}
	var srv *http.Server
	if addr != "" {
		srv = &http.Server{Addr: addr, Handler: api.NewServerWithDebug(a.Store, a.Recorder, d, debugFlag)}
		go func() {
			log.Info().Str("addr", addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server")
				cancel()
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			log.Info().Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = d.Run(ctx)

	if srv != nil {
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		_ = srv.Shutdown(ctxTimeout)
	}
	return err
}
