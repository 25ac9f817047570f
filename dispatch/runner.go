package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matthewshim/automation/target"
	"github.com/matthewshim/automation/util"
)

// RemoteRunner invokes the black-box test run. RunTest returns the run's exit
// status; the error is non-nil only when the run could not be invoked at all.
// A test that ran and failed yields its nonzero status and a nil error.
type RemoteRunner interface {
	RunTest(env map[string]string) (int, error)
}

// RunnerEnv carries the dispatch-side resources a runner may use.
type RunnerEnv struct {
	// Workspace is the local directory the support script was fetched into.
	Workspace string
	// Admin is the control-plane host the support script natively lives on.
	Admin target.Target
}

type RunnerKind string

const DefaultRunnerKind = RunnerKind("script")

type RunnerFactory func(env *RunnerEnv, input map[string]any) (RemoteRunner, error)

var allRunners map[RunnerKind]RunnerFactory

// All runners must register themselves at module load time so that a job
// definition can name them by kind.
func RegisterRunner(kind RunnerKind, factory RunnerFactory) {
	if allRunners == nil {
		allRunners = map[RunnerKind]RunnerFactory{}
	}
	allRunners[kind] = factory
}

func NewRunner(kind RunnerKind, env *RunnerEnv, input map[string]any) (RemoteRunner, error) {
	factory, ok := allRunners[kind]
	if !ok {
		return nil, fmt.Errorf("unknown runner kind: %s", kind)
	}
	return factory(env, input)
}

func ExplainRunners() string {
	i := 0
	var sb strings.Builder
	for kind := range allRunners {
		sb.WriteString("\"")
		sb.WriteString(string(kind))
		sb.WriteString("\"")
		if i < len(allRunners)-1 {
			sb.WriteString(", ")
		}
		i++
	}
	return sb.String()
}

func sortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// envPairs renders env as KEY=VALUE strings in a stable order.
func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

// envExports renders env as a shell export prefix in a stable order.
func envExports(env map[string]string) string {
	var sb strings.Builder
	for _, k := range sortedKeys(env) {
		sb.WriteString(fmt.Sprintf("export %s=%s; ", k, util.ShellQuote(env[k])))
	}
	return sb.String()
}
