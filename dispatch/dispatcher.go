package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/alitto/pond"
	"github.com/matthewshim/automation/archive"
	"github.com/matthewshim/automation/monitor"
	"github.com/matthewshim/automation/report"
	"github.com/matthewshim/automation/target"
	"github.com/matthewshim/automation/util"
	"github.com/schollz/progressbar/v3"
)

// Remote layout fixed by the lab's provisioning scripts.
const (
	remoteSupportScript  = "/root/scripts/jenkins-support.sh"
	remoteScenarioSource = "/root/scripts/scenarios/rally/rally-test.json"
	remoteScenarioPath   = "/root/rally-test.json"
	remoteResultsDir     = "/root/results"
	remoteBackupRoot     = "/root/rally-results-backup"
)

const (
	supportScriptName = "jenkins-support.sh"
	scenarioFileName  = "rally-test.json"
	artifactDirName   = ".artifacts"
	markerFileName    = ".ignore"
	reportFileName    = "dispatch-report.json"
)

type DispatcherInput struct {
	Params *Params
	// Admin is the control-plane host the input files are fetched from.
	Admin target.Target
	// Results is the host that runs rally and aggregates its output.
	Results target.Target
	// Cloud is the deployment under test, sampled while the run is in
	// flight. May be nil to skip monitoring.
	Cloud target.Target
	// Runner invokes the black-box test run.
	Runner RemoteRunner
	// CollectConcurrency bounds the artifact collection pool. Defaults to 4.
	CollectConcurrency int
	// Store receives the collected artifacts for retention. May be nil.
	Store archive.Store
	// RetentionPrefix namespaces uploads in the store.
	RetentionPrefix string
}

// Dispatcher drives one test run end to end: distribute the input files,
// invoke the run, archive its results server-side, collect them locally.
type Dispatcher struct {
	input       *DispatcherInput
	artifactDir string
	rep         *report.RunReport
}

func NewDispatcher(input *DispatcherInput) (*Dispatcher, error) {
	err := input.Params.Validate()
	if err != nil {
		return nil, err
	}
	if input.Runner == nil {
		return nil, errors.New("a runner is required")
	}
	if input.CollectConcurrency < 1 {
		input.CollectConcurrency = 4
	}
	return &Dispatcher{
		input:       input,
		artifactDir: filepath.Join(input.Params.Workspace, artifactDirName),
	}, nil
}

func (d *Dispatcher) ArtifactDir() string {
	return d.artifactDir
}

// stage is one fallible step of the pipeline. A bestEffort stage logs its
// failure and lets the dispatch keep the test run's result.
type stage struct {
	name       string
	bestEffort bool
	run        func() error
}

func (d *Dispatcher) stages() []stage {
	stages := []stage{
		{name: "prepare-artifacts", run: d.prepareArtifacts},
		{name: "fetch-inputs", run: d.fetchInputs},
		{name: "preflight", run: d.preflight},
		{name: "push-scenario", run: d.pushScenario},
		{name: "run-test", run: d.runTest},
		{name: "archive-results", bestEffort: true, run: d.archiveResults},
		{name: "collect-artifacts", bestEffort: true, run: d.collectArtifacts},
	}
	if d.input.Store != nil {
		stages = append(stages, stage{name: "upload-retention", bestEffort: true, run: d.uploadRetention})
	}
	return stages
}

// Run executes the pipeline in order and always returns a report with one
// result entry per stage. err is non-nil only when a non-best-effort stage
// failed, which includes failing to invoke the test run at all. A test run
// that completed with a nonzero status is reported via the report's ExitCode
// and a nil err.
func (d *Dispatcher) Run() (*report.RunReport, error) {
	d.rep = &report.RunReport{
		Job:         d.input.Params.Job,
		BuildNumber: d.input.Params.BuildNumber,
		Params:      util.StructMap(d.input.Params),
	}

	var fatal error
	stages := d.stages()
	for i, st := range stages {
		slog.Info("stage starting", slog.String("stage", st.name))
		start := time.Now()
		err := st.run()
		res := report.StageResult{Name: st.name, Status: report.StageOK, DurationSec: time.Since(start).Seconds()}
		if err != nil {
			res.Status = report.StageFailed
			res.Error = err.Error()
		}
		d.rep.Stages = append(d.rep.Stages, res)

		if err == nil {
			continue
		}
		if st.bestEffort {
			// The test run's result stands regardless of what happens here.
			slog.Error("stage failed, continuing", slog.String("stage", st.name), slog.String("error", err.Error()))
			continue
		}
		slog.Error("stage failed, aborting", slog.String("stage", st.name), slog.String("error", err.Error()))
		for _, rest := range stages[i+1:] {
			d.rep.Stages = append(d.rep.Stages, report.StageResult{Name: rest.name, Status: report.StageSkipped})
		}
		fatal = fmt.Errorf("stage %s failed: %w", st.name, err)
		break
	}

	d.writeReport()
	return d.rep, fatal
}

func (d *Dispatcher) prepareArtifacts() error {
	err := os.RemoveAll(d.artifactDir)
	if err != nil {
		return fmt.Errorf("failed to remove the artifact directory: %w", err)
	}
	err = os.MkdirAll(d.artifactDir, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create the artifact directory: %w", err)
	}
	// The marker keeps the CI artifact collector from dropping the directory
	// when the run produces nothing else.
	err = os.WriteFile(filepath.Join(d.artifactDir, markerFileName), nil, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to write the artifact marker: %w", err)
	}
	return nil
}

func (d *Dispatcher) fetchInputs() error {
	err := d.fetchFile(remoteSupportScript, supportScriptName)
	if err != nil {
		return err
	}
	return d.fetchFile(remoteScenarioSource, scenarioFileName)
}

func (d *Dispatcher) fetchFile(remotePath, name string) error {
	local := filepath.Join(d.input.Params.Workspace, name)
	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", local, err)
	}
	defer f.Close()
	err = d.input.Admin.CopyFileFrom(remotePath, f)
	if err != nil {
		return fmt.Errorf("failed to fetch %s from %s: %w", remotePath, d.input.Admin.Addr(), err)
	}
	return nil
}

func (d *Dispatcher) preflight() error {
	checkRallyVersion(d.input.Results)
	return nil
}

func (d *Dispatcher) pushScenario() error {
	local := filepath.Join(d.input.Params.Workspace, scenarioFileName)
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open the scenario file %s: %w", local, err)
	}
	defer f.Close()
	err = d.input.Results.CopyFileTo(f, remoteScenarioPath)
	if err != nil {
		return fmt.Errorf("failed to push the scenario to %s: %w", d.input.Results.Addr(), err)
	}
	return nil
}

func (d *Dispatcher) runTest() error {
	var mon monitor.HostMonitor
	if d.input.Cloud != nil {
		mon = monitor.NewHostMonitor(d.input.Cloud)
		err := mon.StartMonitoring()
		if err != nil {
			// Sampling is advisory, the run proceeds without it.
			slog.Warn("could not monitor the cloud host", slog.String("host", d.input.Cloud.Addr()), slog.String("error", err.Error()))
			mon = nil
		}
	}
	if mon != nil {
		defer func() {
			mon.StopMonitoring()
			mon.WaitUntilStopped()
			d.rep.CloudMeasurements = mon.Measurements()
		}()
	}

	code, err := d.input.Runner.RunTest(d.input.Params.Env())
	if err != nil {
		return fmt.Errorf("could not invoke the test run: %w", err)
	}
	d.rep.ExitCode = code
	if code == 0 {
		slog.Info("test run passed")
	} else {
		slog.Warn("test run failed", slog.Int("exitCode", code))
	}
	return nil
}

// backupCommand archives the current results into the build's backup
// subdirectory. mkdir -p keeps a directory left behind by a previous partial
// run safe to reuse.
func backupCommand(buildNumber int) string {
	dir := fmt.Sprintf("%s/%d", remoteBackupRoot, buildNumber)
	return fmt.Sprintf("mkdir -p %s && cp -a %s/* %s/", dir, remoteResultsDir, dir)
}

func (d *Dispatcher) archiveResults() error {
	out, err := d.input.Results.RunCommand(backupCommand(d.input.Params.BuildNumber))
	if err != nil {
		slog.Error("archiving results failed", slog.String("host", d.input.Results.Addr()), slog.String("output", string(out)))
		return fmt.Errorf("failed to archive results on %s: %w", d.input.Results.Addr(), err)
	}
	return nil
}

func (d *Dispatcher) collectArtifacts() error {
	names, err := d.input.Results.ListFiles(remoteResultsDir)
	if err != nil {
		return fmt.Errorf("failed to list results on %s: %w", d.input.Results.Addr(), err)
	}
	if len(names) == 0 {
		slog.Warn("the results host has no result files", slog.String("host", d.input.Results.Addr()), slog.String("dir", remoteResultsDir))
		return nil
	}
	sort.Strings(names)

	slog.Info("collecting artifacts", slog.String("host", d.input.Results.Addr()), slog.Int("count", len(names)))
	errChan := make(chan error, len(names))
	pool := pond.New(d.input.CollectConcurrency, 0, pond.MinWorkers(d.input.CollectConcurrency))
	p := progressbar.Default(int64(len(names)), "Collecting artifacts:")
	for _, name := range names {
		pool.Submit(func() {
			defer p.Add(1)

			local := filepath.Join(d.artifactDir, name)
			f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE, os.ModePerm)
			if err != nil {
				slog.Error("failed to open a local artifact for writing", slog.String("path", local), slog.String("error", err.Error()))
				errChan <- err
				return
			}
			defer f.Close()
			err = d.input.Results.CopyFileFrom(path.Join(remoteResultsDir, name), f)
			if err != nil {
				slog.Error("failed to collect an artifact", slog.String("name", name), slog.String("error", err.Error()))
				errChan <- err
				return
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	d.recordArtifacts(names)

	select {
	case err := <-errChan:
		return fmt.Errorf("some artifacts failed to collect: %w", err)
	default:
		return nil
	}
}

func (d *Dispatcher) recordArtifacts(names []string) {
	for _, name := range names {
		info, err := os.Stat(filepath.Join(d.artifactDir, name))
		if err != nil {
			continue
		}
		d.rep.Artifacts = append(d.rep.Artifacts, report.Artifact{Name: name, SizeBytes: info.Size()})
	}
}

func (d *Dispatcher) uploadRetention() error {
	keyPrefix := path.Join(d.input.RetentionPrefix, strconv.Itoa(d.input.Params.BuildNumber))
	return d.input.Store.UploadDir(d.artifactDir, keyPrefix)
}

// writeReport serializes the run report into the artifact directory so the
// CI system collects it alongside the result files. Its own entry is part of
// the report; a failed write shows only in the logs and the returned report.
func (d *Dispatcher) writeReport() {
	idx := len(d.rep.Stages)
	d.rep.Stages = append(d.rep.Stages, report.StageResult{Name: "write-report", Status: report.StageOK})
	start := time.Now()
	err := d.persistReport()
	d.rep.Stages[idx].DurationSec = time.Since(start).Seconds()
	if err != nil {
		slog.Error("failed to write the run report", slog.String("error", err.Error()))
		d.rep.Stages[idx].Status = report.StageFailed
		d.rep.Stages[idx].Error = err.Error()
	}
}

func (d *Dispatcher) persistReport() error {
	buf, err := json.Marshal(d.rep)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.artifactDir, reportFileName), buf, os.ModePerm)
}
