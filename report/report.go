package report

type Measurement[T any] struct {
	Time  int64
	Value T
}

// HostMeasurements holds load samples taken from the cloud under test while
// the test run is in flight.
type HostMeasurements struct {
	CpuBusyPct   []Measurement[float64]
	CpuIowaitPct []Measurement[float64]

	MemUsedBytes  []Measurement[int]
	MemUsedPct    []Measurement[float64]
	MemAvailBytes []Measurement[int]
	SwapUsedBytes []Measurement[int]
}

type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

type StageResult struct {
	Name        string
	Status      StageStatus
	DurationSec float64
	Error       string `json:",omitempty"` // non-empty iff the stage failed
}

type Artifact struct {
	Name      string
	SizeBytes int64
}

type RunReport struct {
	Job         string
	BuildNumber int
	Params      map[string]any
	Stages      []StageResult
	// ExitCode is the remote test run's exit status. It is the authoritative
	// pass/fail signal for the whole dispatch.
	ExitCode          int
	Artifacts         []Artifact
	CloudMeasurements *HostMeasurements `json:",omitempty"`
}
