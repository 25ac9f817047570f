package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/matthewshim/automation/util"
	"github.com/mitchellh/mapstructure"
)

// The operation the support script exposes for driving one full test run.
const runTestFunction = "connect_rally_server_run_test"

func init() {
	RegisterRunner("script", func(env *RunnerEnv, a map[string]any) (RemoteRunner, error) {
		input := &ScriptRunnerInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to ScriptRunnerInput: %w", err)
		}
		return NewScriptRunner(env, input), nil
	})
}

type ScriptRunnerInput struct {
	// Script is the support script's path relative to the workspace.
	// Defaults to the file fetched from the admin host.
	Script string
	// Function is the shell function to invoke. Defaults to the rally run
	// entry point.
	Function string
}

// scriptRunner sources the fetched support script in a local shell and calls
// its run function, faithful to how the job originally invoked the test.
type scriptRunner struct {
	env   *RunnerEnv
	input *ScriptRunnerInput
}

func NewScriptRunner(env *RunnerEnv, input *ScriptRunnerInput) RemoteRunner {
	if input.Script == "" {
		input.Script = supportScriptName
	}
	if input.Function == "" {
		input.Function = runTestFunction
	}
	return &scriptRunner{env: env, input: input}
}

func (r *scriptRunner) RunTest(env map[string]string) (int, error) {
	script := filepath.Join(r.env.Workspace, r.input.Script)
	_, err := os.Stat(script)
	if err != nil {
		return 0, fmt.Errorf("support script is not invocable: %w", err)
	}

	cmd := exec.Command("bash", "-c", fmt.Sprintf("source %s && %s", util.ShellQuote(script), r.input.Function))
	cmd.Dir = r.env.Workspace
	cmd.Env = append(os.Environ(), envPairs(env)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	slog.Info("invoking test run", slog.String("script", script), slog.String("function", r.input.Function))
	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to invoke test run: %w", err)
	}
	return 0, nil
}
