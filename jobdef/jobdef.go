package jobdef

import (
	"fmt"
	"os"

	"github.com/matthewshim/automation/dispatch"
	yaml "gopkg.in/yaml.v2"
)

// Definition is a YAML job definition. It carries the parameter defaults and
// the runner/retention configuration for one job, taking the place of the
// job properties the CI system used to hold.
type Definition struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Defaults    ParamDefaults `yaml:"defaults"`
	Runner      RunnerDef     `yaml:"runner"`
	Collection  CollectionDef `yaml:"collection"`
	Retention   RetentionDef  `yaml:"retention"`
}

// ParamDefaults fills any dispatch parameter not set by flag or environment.
type ParamDefaults struct {
	HWNumber            string `yaml:"hw_number"`
	ImageName           string `yaml:"image_name"`
	RallyServer         string `yaml:"rally_server"`
	ScenarioName        string `yaml:"scenario_name"`
	ScenarioJobName     string `yaml:"scenario_job_name"`
	ScenarioBuildNumber string `yaml:"scenario_build_number"`
}

type RunnerDef struct {
	Kind  string         `yaml:"kind"`
	Input map[string]any `yaml:"input"`
}

type CollectionDef struct {
	Concurrency int `yaml:"concurrency"`
}

type RetentionDef struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
}

func Load(path string) (*Definition, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the job definition: %w", err)
	}
	def := &Definition{}
	err = yaml.Unmarshal(buf, def)
	if err != nil {
		return nil, fmt.Errorf("failed to parse the job definition %s: %w", path, err)
	}
	return def, nil
}

// Apply fills the empty fields of p from the definition's defaults. Values
// already set by flag or environment win.
func (d *Definition) Apply(p *dispatch.Params) {
	if p.Job == "" {
		p.Job = d.Name
	}
	if p.HWNumber == "" {
		p.HWNumber = d.Defaults.HWNumber
	}
	if p.ImageName == "" {
		p.ImageName = d.Defaults.ImageName
	}
	if p.RallyServer == "" {
		p.RallyServer = d.Defaults.RallyServer
	}
	if p.ScenarioName == "" {
		p.ScenarioName = d.Defaults.ScenarioName
	}
	if p.ScenarioJobName == "" {
		p.ScenarioJobName = d.Defaults.ScenarioJobName
	}
	if p.ScenarioBuildNumber == "" {
		p.ScenarioBuildNumber = d.Defaults.ScenarioBuildNumber
	}
}
