package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/matthewshim/automation/target"
	"github.com/matthewshim/automation/util"
	"github.com/mitchellh/mapstructure"
)

func init() {
	RegisterRunner("ssh", func(env *RunnerEnv, a map[string]any) (RemoteRunner, error) {
		input := &SSHRunnerInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to SSHRunnerInput: %w", err)
		}
		return NewSSHRunner(env, input), nil
	})
}

type SSHRunnerInput struct {
	// Script is the support script's absolute path on the admin host.
	Script string
	// Function is the shell function to invoke.
	Function string
}

// sshRunner invokes the support script's run function directly on the admin
// host, where the script natively lives.
type sshRunner struct {
	env   *RunnerEnv
	input *SSHRunnerInput
}

func NewSSHRunner(env *RunnerEnv, input *SSHRunnerInput) RemoteRunner {
	if input.Script == "" {
		input.Script = remoteSupportScript
	}
	if input.Function == "" {
		input.Function = runTestFunction
	}
	return &sshRunner{env: env, input: input}
}

func (r *sshRunner) RunTest(env map[string]string) (int, error) {
	cmd := fmt.Sprintf("%ssource %s && %s", envExports(env), util.ShellQuote(r.input.Script), r.input.Function)
	slog.Info("invoking test run", slog.String("host", r.env.Admin.Addr()), slog.String("function", r.input.Function))
	out, err := r.env.Admin.RunCommand(cmd)
	fmt.Print(string(out))
	if status, ok := target.ExitStatus(err); ok {
		return status, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to invoke test run on %s: %w", r.env.Admin.Addr(), err)
	}
	return 0, nil
}
