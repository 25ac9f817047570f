package iscsi

import (
	"fmt"
	"strings"

	"github.com/matthewshim/automation/target"
	"github.com/matthewshim/automation/util"
)

// Node wraps a lab host with the command set the iSCSI roles need.
type Node struct {
	t target.Target
}

func NewNode(t target.Target) *Node {
	return &Node{t: t}
}

func (n *Node) Addr() string {
	return n.t.Addr()
}

func (n *Node) run(cmd string) ([]byte, error) {
	return n.t.RunCommand(cmd)
}

// InstallPackage installs a package without prompting and without recommends.
func (n *Node) InstallPackage(pkg string) error {
	out, err := n.run(fmt.Sprintf("zypper --non-interactive install --no-recommends %s", pkg))
	if err != nil {
		return fmt.Errorf("failed to install %s on %s: %s: %w", pkg, n.Addr(), string(out), err)
	}
	return nil
}

// EnableService persists a service across reboots.
func (n *Node) EnableService(service string) error {
	out, err := n.run(fmt.Sprintf("chkconfig %s on", service))
	if err != nil {
		return fmt.Errorf("failed to enable %s on %s: %s: %w", service, n.Addr(), string(out), err)
	}
	return nil
}

func (n *Node) RestartService(service string) error {
	out, err := n.run(fmt.Sprintf("rc%s restart", service))
	if err != nil {
		return fmt.Errorf("failed to restart %s on %s: %s: %w", service, n.Addr(), string(out), err)
	}
	return nil
}

func (n *Node) readFile(fname string) (string, error) {
	out, err := n.run(fmt.Sprintf("cat %s", fname))
	if err != nil {
		return "", fmt.Errorf("failed to read %s on %s: %w", fname, n.Addr(), err)
	}
	return string(out), nil
}

// AppendConfig appends only the lines fname does not already carry verbatim.
func (n *Node) AppendConfig(fname string, lines ...string) error {
	cfg, err := n.readFile(fname)
	if err != nil {
		return err
	}
	for _, line := range missingLines(cfg, lines) {
		out, err := n.run(fmt.Sprintf("echo %s >> %s", util.ShellQuote(line), fname))
		if err != nil {
			return fmt.Errorf("failed to append to %s: %s: %w", fname, string(out), err)
		}
	}
	return nil
}

// RemoveConfig deletes every copy of the given lines from fname. The file is
// backed up before the rewrite and restored when the rewrite does not read
// back as expected; the failed edit is kept for inspection.
func (n *Node) RemoveConfig(fname string, lines ...string) error {
	cfg, err := n.readFile(fname)
	if err != nil {
		return err
	}
	want := withoutLines(cfg, lines)
	if want == cfg {
		return nil
	}

	backup := fname + ".BACKUP"
	out, err := n.run(fmt.Sprintf("cp -a %s %s", fname, backup))
	if err != nil {
		return fmt.Errorf("failed to back up %s: %s: %w", fname, string(out), err)
	}
	out, err = n.run(fmt.Sprintf("printf '%%s' %s > %s", util.ShellQuote(want), fname))
	if err != nil {
		return fmt.Errorf("failed to rewrite %s: %s: %w", fname, string(out), err)
	}
	got, err := n.readFile(fname)
	if err != nil {
		return err
	}
	if got != want {
		edit := fname + ".EDIT"
		n.run(fmt.Sprintf("cp -a %s %s", fname, edit))
		n.run(fmt.Sprintf("mv %s %s", backup, fname))
		return fmt.Errorf("%s reverted, the failed edit is kept at %s", fname, edit)
	}
	out, err = n.run(fmt.Sprintf("rm %s", backup))
	if err != nil {
		return fmt.Errorf("failed to drop the backup of %s: %s: %w", fname, string(out), err)
	}
	return nil
}

// missingLines returns the lines cfg does not already contain as whole lines.
func missingLines(cfg string, lines []string) []string {
	present := map[string]bool{}
	for _, l := range strings.Split(cfg, "\n") {
		present[l] = true
	}
	missing := []string{}
	for _, line := range lines {
		if !present[line] {
			missing = append(missing, line)
		}
	}
	return missing
}

// withoutLines removes every copy of each line from cfg.
func withoutLines(cfg string, lines []string) string {
	for _, line := range lines {
		cfg = strings.ReplaceAll(cfg, line+"\n", "")
	}
	return cfg
}
