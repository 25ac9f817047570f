package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supportScript = `connect_rally_server_run_test() {
	echo "$rally_server $image_name" > seen.txt
	return 7
}
`

func TestScriptRunnerSourcesAndInvokes(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "jenkins-support.sh"), []byte(supportScript), 0o755))

	r := NewScriptRunner(&RunnerEnv{Workspace: ws}, &ScriptRunnerInput{})
	code, err := r.RunTest(map[string]string{"rally_server": "backup", "image_name": "jeos"})
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	seen, err := os.ReadFile(filepath.Join(ws, "seen.txt"))
	require.NoError(t, err)
	assert.Equal(t, "backup jeos\n", string(seen))
}

func TestScriptRunnerPassingRun(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "jenkins-support.sh"), []byte("connect_rally_server_run_test() { true; }\n"), 0o755))

	r := NewScriptRunner(&RunnerEnv{Workspace: ws}, &ScriptRunnerInput{})
	code, err := r.RunTest(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestScriptRunnerMissingScriptIsInfraError(t *testing.T) {
	r := NewScriptRunner(&RunnerEnv{Workspace: t.TempDir()}, &ScriptRunnerInput{})
	_, err := r.RunTest(nil)
	assert.ErrorContains(t, err, "not invocable")
}

func TestScriptRunnerCustomFunction(t *testing.T) {
	ws := t.TempDir()
	script := "smoke_only() { return 3; }\nconnect_rally_server_run_test() { return 7; }\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "checks.sh"), []byte(script), 0o755))

	r := NewScriptRunner(&RunnerEnv{Workspace: ws}, &ScriptRunnerInput{Script: "checks.sh", Function: "smoke_only"})
	code, err := r.RunTest(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}
