package dispatch

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/hashicorp/go-version"
	"github.com/matthewshim/automation/target"
	"github.com/matthewshim/automation/util"
)

// Oldest rally release the support script's run function is known to drive.
const minRallyVersion = "0.9.0"

var rallyVersionRe = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// parseRallyVersion extracts the version from `rally version` output. Rally
// prints warnings before the version line, so only the last line counts.
func parseRallyVersion(out []byte) (*version.Version, error) {
	line := util.LastNonEmptyLine(out)
	m := rallyVersionRe.FindString(line)
	if m == "" {
		return nil, fmt.Errorf("no version in %q", line)
	}
	return version.NewVersion(m)
}

// checkRallyVersion warns when the results host carries a rally older than
// the known floor. It never fails the dispatch.
func checkRallyVersion(results target.Target) {
	out, err := results.RunCommand("rally version")
	if err != nil {
		slog.Warn("could not query rally version", slog.String("host", results.Addr()), slog.String("error", err.Error()))
		return
	}
	v, err := parseRallyVersion(out)
	if err != nil {
		slog.Warn("could not parse rally version", slog.String("host", results.Addr()), slog.String("error", err.Error()))
		return
	}
	floor := version.Must(version.NewVersion(minRallyVersion))
	if v.LessThan(floor) {
		slog.Warn("rally on the results host is older than the supported floor",
			slog.String("host", results.Addr()),
			slog.String("version", v.String()),
			slog.String("floor", floor.String()))
	}
}
