package dispatch

import (
	"errors"
	"fmt"
)

// Defaults preserved from the job this dispatcher replaced.
const (
	DefaultRallyServer = "backup.cloudadm.qa.suse.de"
	DefaultImageName   = "jeos-rally"
)

// Params is the full configuration of one dispatch. Fields are fixed before
// Run and never mutated afterwards.
type Params struct {
	// HWNumber identifies the hardware pair under test. Required.
	HWNumber string
	// ImageName is the guest image the test boots. Defaults to DefaultImageName.
	ImageName string
	// RallyServer is the results host that runs rally. Defaults to DefaultRallyServer.
	RallyServer         string
	ScenarioName        string
	ScenarioJobName     string
	ScenarioBuildNumber string

	// Job names the job definition, only echoed into the run report.
	Job string
	// BuildNumber namespaces the server-side result backup. Required, >= 1.
	BuildNumber int
	// Workspace is the local directory holding fetched inputs and the
	// artifact directory. Required.
	Workspace string
}

func (p *Params) ApplyDefaults() {
	if p.RallyServer == "" {
		p.RallyServer = DefaultRallyServer
	}
	if p.ImageName == "" {
		p.ImageName = DefaultImageName
	}
}

func (p *Params) Validate() error {
	if p.HWNumber == "" {
		return errors.New("hw_number is required")
	}
	if p.Workspace == "" {
		return errors.New("workspace is required")
	}
	if p.BuildNumber < 1 {
		return fmt.Errorf("build number must be >= 1, got %d", p.BuildNumber)
	}
	return nil
}

// AdminHost is the control-plane host of the hardware pair.
func (p *Params) AdminHost() string {
	return fmt.Sprintf("crowbar%s", p.HWNumber)
}

// CloudHost is the OpenStack deployment under test.
func (p *Params) CloudHost() string {
	return fmt.Sprintf("qa%s", p.HWNumber)
}

// Env materializes the parameters as the environment variables the remote
// test consumes.
func (p *Params) Env() map[string]string {
	return map[string]string{
		"rally_server":          p.RallyServer,
		"image_name":            p.ImageName,
		"cloud":                 p.CloudHost(),
		"hw_number":             p.HWNumber,
		"scenario_name":         p.ScenarioName,
		"scenario_job_name":     p.ScenarioJobName,
		"scenario_build_number": p.ScenarioBuildNumber,
	}
}
