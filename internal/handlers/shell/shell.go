package shell

import (
	"context"
	"os/exec"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"towersched/internal/dispatch"
)

// Shell runs a command. The command comes from the call op ("shell:echo")
// or, without an op, from the first argument. Remaining arguments are argv.
type Shell struct{}

func (h Shell) Handle(ctx context.Context, call dispatch.Call) error {
	args, err := dispatch.Strings(call.Args)
	if err != nil {
		return err
	}
	command := call.Op
	if command == "" {
		if len(args) == 0 {
			return errors.New("command is required")
		}
		command, args = args[0], args[1:]
	}
	cmd := exec.CommandContext(ctx, command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "shell error; out=%s", string(out))
	}
	log.Debug().Str("command", command).Int("bytes", len(out)).Msg("shell command finished")
	return nil
}
