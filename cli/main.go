package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/matthewshim/automation/archive"
	"github.com/matthewshim/automation/dispatch"
	"github.com/matthewshim/automation/jobdef"
	"github.com/matthewshim/automation/target"
	"golang.org/x/crypto/ssh"
)

// envIntOr reads an integer the CI system exports, e.g. BUILD_NUMBER.
func envIntOr(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	// Flags default to the variables the CI system exports, so a job step can
	// call the dispatcher with no arguments at all.
	hwNumber := flag.String("hw-number", os.Getenv("hw_number"), "The lab bay number. Derives the crowbar<N> admin host and the qa<N> cloud host.")
	imageName := flag.String("image-name", os.Getenv("image_name"), "The glance image the scenario boots.")
	rallyServer := flag.String("rally-server", os.Getenv("rally_server"), "The results host running rally.")
	scenarioName := flag.String("scenario-name", os.Getenv("scenario_name"), "The scenario name passed to the test run.")
	scenarioJobName := flag.String("scenario-job-name", os.Getenv("scenario_job_name"), "The job that produced the scenario.")
	scenarioBuildNumber := flag.String("scenario-build-number", os.Getenv("scenario_build_number"), "The build of the scenario job to use.")
	workspace := flag.String("workspace", os.Getenv("WORKSPACE"), "The build workspace. Artifacts are collected under it.")
	buildNumber := flag.Int("build-number", envIntOr("BUILD_NUMBER", 0), "The build number. Namespaces the server-side results backup.")
	jobName := flag.String("job-name", os.Getenv("JOB_NAME"), "The job name recorded in the run report.")
	jobFile := flag.String("job", "", "A YAML job definition supplying parameter defaults, the runner, and retention settings.")
	runner := flag.String("runner", string(dispatch.DefaultRunnerKind), fmt.Sprintf("The runner that invokes the test. Ignored when the job definition names one. Must be one of: %s.", dispatch.ExplainRunners()))
	sshUser := flag.String("ssh-user", "root", "The SSH user on the lab hosts.")
	sshKey := flag.String("ssh-key", filepath.Join(os.Getenv("HOME"), ".ssh", "id_ed25519"), "The SSH private key for the lab hosts. Created if missing.")
	collectConcurrency := flag.Int("collect-concurrency", 4, "The number of goroutines used to collect artifacts.")
	debug := flag.Bool("debug", false, "Log at debug level.")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	params := &dispatch.Params{
		HWNumber:            *hwNumber,
		ImageName:           *imageName,
		RallyServer:         *rallyServer,
		ScenarioName:        *scenarioName,
		ScenarioJobName:     *scenarioJobName,
		ScenarioBuildNumber: *scenarioBuildNumber,
		Job:                 *jobName,
		BuildNumber:         *buildNumber,
		Workspace:           *workspace,
	}

	var def *jobdef.Definition
	if *jobFile != "" {
		var err error
		def, err = jobdef.Load(*jobFile)
		if err != nil {
			panic(err)
		}
		def.Apply(params)
	}
	params.ApplyDefaults()
	err := params.Validate()
	if err != nil {
		panic(err)
	}

	kp, err := target.LoadOrCreateKeypair(*sshKey)
	if err != nil {
		panic(err)
	}
	auths := []ssh.AuthMethod{kp.AuthMethod()}

	admin := target.NewSSHTarget(*sshUser, params.AdminHost(), auths)
	results := target.NewSSHTarget(*sshUser, params.RallyServer, auths)
	cloud := target.NewSSHTarget(*sshUser, params.CloudHost(), auths)

	runnerKind := dispatch.RunnerKind(*runner)
	var runnerInput map[string]any
	if def != nil && def.Runner.Kind != "" {
		runnerKind = dispatch.RunnerKind(def.Runner.Kind)
		runnerInput = def.Runner.Input
	}
	run, err := dispatch.NewRunner(runnerKind, &dispatch.RunnerEnv{
		Workspace: params.Workspace,
		Admin:     admin,
	}, runnerInput)
	if err != nil {
		panic(err)
	}

	input := &dispatch.DispatcherInput{
		Params:             params,
		Admin:              admin,
		Results:            results,
		Cloud:              cloud,
		Runner:             run,
		CollectConcurrency: *collectConcurrency,
	}
	if def != nil && def.Collection.Concurrency > 0 {
		input.CollectConcurrency = def.Collection.Concurrency
	}
	if def != nil && def.Retention.Bucket != "" {
		cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(def.Retention.Region))
		if err != nil {
			panic(err)
		}
		input.Store = archive.NewS3Store(&archive.S3StoreInput{
			AwsConfig: cfg,
			Bucket:    def.Retention.Bucket,
			Endpoint:  def.Retention.Endpoint,
		})
		input.RetentionPrefix = def.Retention.Prefix
	}

	d, err := dispatch.NewDispatcher(input)
	if err != nil {
		panic(err)
	}

	rep, err := d.Run()
	if err != nil {
		// The test never ran to completion, so there is no exit code to
		// propagate. 255 is what the ssh client family yields in this case.
		slog.Error("dispatch failed", slog.String("error", err.Error()))
		os.Exit(255)
	}
	os.Exit(rep.ExitCode)
}
