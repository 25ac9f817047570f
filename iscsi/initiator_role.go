package iscsi

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const iscsidConfPath = "/etc/iscsid.conf"

// CHAP credentials matching the deployed target's IncomingUser line.
var chapLines = []string{
	"node.startup = automatic",
	"node.session.auth.authmethod = CHAP",
	"node.session.auth.username = user",
	"node.session.auth.password = passwd",
	"discovery.sendtargets.auth.authmethod = CHAP",
	"discovery.sendtargets.auth.username = user",
	"discovery.sendtargets.auth.password = passwd",
}

type InitiatorRoleInput struct {
	// TargetHost is the portal to discover targets on.
	TargetHost string
	// ID selects which discovered target to log in to.
	ID string
}

// InitiatorRole deploys a host as an iSCSI initiator logged in to one
// discovered target.
type InitiatorRole struct {
	node  *Node
	input *InitiatorRoleInput

	// targetName is the discovered IQN once Deploy has logged in.
	targetName string
}

func NewInitiatorRole(node *Node, input *InitiatorRoleInput) (*InitiatorRole, error) {
	if input.TargetHost == "" {
		return nil, errors.New("an initiator needs the target host")
	}
	return &InitiatorRole{node: node, input: input}, nil
}

// findTargetName picks the discovered target whose IQN carries id.
// Discovery lines look like "192.168.124.10:3260,1 iqn.2015-01...:id01".
func findTargetName(out []byte, id string) (string, bool) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.Contains(fields[1], id) {
			return fields[1], true
		}
	}
	return "", false
}

// Deploy installs and configures the initiator, discovers the portal's
// targets and logs in to the one matching the configured ID.
func (r *InitiatorRole) Deploy() error {
	err := r.node.InstallPackage("open-iscsi")
	if err != nil {
		return err
	}

	err = r.node.AppendConfig(iscsidConfPath, chapLines...)
	if err != nil {
		return err
	}

	err = r.node.EnableService("open-iscsi")
	if err != nil {
		return err
	}
	err = r.node.RestartService("open-iscsi")
	if err != nil {
		return err
	}

	out, err := r.node.run(fmt.Sprintf("iscsiadm -m discovery --type=st --portal=%s", r.input.TargetHost))
	if err != nil {
		return fmt.Errorf("failed to discover targets on %s: %s: %w", r.input.TargetHost, string(out), err)
	}
	name, ok := findTargetName(out, r.input.ID)
	if !ok {
		return fmt.Errorf("target with ID %s not found: [%s]", r.input.ID, strings.TrimSpace(string(out)))
	}

	out, err = r.node.run(fmt.Sprintf("iscsiadm -m node -n %s --login", name))
	if err != nil {
		return fmt.Errorf("failed to log in to %s: %s: %w", name, string(out), err)
	}
	r.targetName = name
	slog.Info("iSCSI initiator deployed", slog.String("host", r.node.Addr()), slog.String("target", name))
	return nil
}

// Logout closes the session Deploy opened.
func (r *InitiatorRole) Logout() error {
	if r.targetName == "" {
		return errors.New("not logged in to any target")
	}
	out, err := r.node.run(fmt.Sprintf("iscsiadm -m node -n %s --logout", r.targetName))
	if err != nil {
		return fmt.Errorf("failed to log out of %s: %s: %w", r.targetName, string(out), err)
	}
	r.targetName = ""
	return nil
}
