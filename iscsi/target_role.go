package iscsi

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// IQN prefix all lab targets share.
const iqnPrefix = "iqn.2015-01.qa.cloud.suse.de"

const (
	ietdConfPath  = "/etc/ietd.conf"
	bootLocalPath = "/etc/rc.d/boot.local"
)

// IQN returns the qualified name of one exported target id.
func IQN(id string) string {
	return fmt.Sprintf("%s:%s", iqnPrefix, id)
}

type TargetRoleInput struct {
	// Device is the block device to export. A /dev/loopN device is created
	// by the deploy, backed by BackingPath.
	Device string
	// BackingPath is the loop device's backing file. Required for loop
	// devices, unused otherwise.
	BackingPath string
	// ID suffixes the exported IQN.
	ID string
	// SizeMB sizes the backing file in MiB. Defaults to 1.
	SizeMB int
}

// TargetRole deploys a host as an iSCSI target exporting one device.
type TargetRole struct {
	node  *Node
	input *TargetRoleInput
}

func NewTargetRole(node *Node, input *TargetRoleInput) (*TargetRole, error) {
	if isLoopDevice(input.Device) && input.BackingPath == "" {
		return nil, errors.New("a loop device needs a backing path")
	}
	if input.SizeMB < 1 {
		input.SizeMB = 1
	}
	return &TargetRole{node: node, input: input}, nil
}

func isLoopDevice(device string) bool {
	return strings.HasPrefix(device, "/dev/loop")
}

// loopDevice is one attached device as listed by `losetup -a`.
type loopDevice struct {
	dev  string
	file string
}

var losetupRe = regexp.MustCompile(`^(/dev/loop\d+):.*\((.*)\)`)

func parseLoopDevices(out []byte) []loopDevice {
	devices := []loopDevice{}
	for _, line := range strings.Split(string(out), "\n") {
		m := losetupRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		devices = append(devices, loopDevice{dev: m[1], file: m[2]})
	}
	return devices
}

func (r *TargetRole) findLoop(loop string) (*loopDevice, error) {
	out, err := r.node.run("losetup -a")
	if err != nil {
		return nil, fmt.Errorf("failed to list loop devices on %s: %w", r.node.Addr(), err)
	}
	for _, d := range parseLoopDevices(out) {
		if d.dev == loop {
			return &d, nil
		}
	}
	return nil, nil
}

func (r *TargetRole) createLoop() error {
	existing, err := r.findLoop(r.input.Device)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("loop device already installed: %s / %s", existing.dev, existing.file)
	}

	steps := []string{
		fmt.Sprintf("dd if=/dev/zero of=%s bs=1M count=%d", r.input.BackingPath, r.input.SizeMB),
		fmt.Sprintf(`echo -e 'o\nn\np\n1\n\n\nw' | fdisk %s`, r.input.BackingPath),
		fmt.Sprintf("losetup %s %s", r.input.Device, r.input.BackingPath),
	}
	for _, cmd := range steps {
		out, err := r.node.run(cmd)
		if err != nil {
			return fmt.Errorf("failed to create the loop device: %s: %s: %w", cmd, string(out), err)
		}
	}

	created, err := r.findLoop(r.input.Device)
	if err != nil {
		return err
	}
	if created == nil {
		return fmt.Errorf("loop device %s did not come up", r.input.Device)
	}
	return nil
}

// DestroyLoop detaches the deployed loop device and removes its backing file.
func (r *TargetRole) DestroyLoop() error {
	existing, err := r.findLoop(r.input.Device)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	out, err := r.node.run(fmt.Sprintf("losetup -d %s", r.input.Device))
	if err != nil {
		return fmt.Errorf("failed to detach %s: %s: %w", r.input.Device, string(out), err)
	}
	if strings.Contains(string(out), "can't delete") {
		return fmt.Errorf("failed to detach %s: %s", r.input.Device, string(out))
	}
	out, err = r.node.run(fmt.Sprintf("rm %s", existing.file))
	if err != nil {
		return fmt.Errorf("failed to remove %s: %s: %w", existing.file, string(out), err)
	}
	return nil
}

// Deploy installs, configures and launches the iSCSI target service, then
// verifies the device is exported.
func (r *TargetRole) Deploy() error {
	err := r.node.InstallPackage("iscsitarget")
	if err != nil {
		return err
	}

	if isLoopDevice(r.input.Device) {
		err = r.createLoop()
		if err != nil {
			return err
		}
	}

	// Incoming authentication matches what the lab initiators expect.
	err = r.node.AppendConfig(ietdConfPath,
		"IncomingUser user passwd",
		fmt.Sprintf("Target %s", IQN(r.input.ID)),
		fmt.Sprintf("\tLun 0 Path=%s", r.input.Device),
	)
	if err != nil {
		return err
	}

	err = r.node.EnableService("iscsitarget")
	if err != nil {
		return err
	}
	err = r.node.RestartService("iscsitarget")
	if err != nil {
		return err
	}

	// Re-add the restart at the end of boot.local so it always runs after
	// the losetup line.
	err = r.node.RemoveConfig(bootLocalPath, "rciscsitarget restart")
	if err != nil {
		return err
	}
	bootLines := []string{}
	if isLoopDevice(r.input.Device) {
		bootLines = append(bootLines, fmt.Sprintf("losetup %s %s", r.input.Device, r.input.BackingPath))
	}
	bootLines = append(bootLines, "rciscsitarget restart")
	err = r.node.AppendConfig(bootLocalPath, bootLines...)
	if err != nil {
		return err
	}

	out, err := r.node.run("cat /proc/net/iet/volume")
	if err != nil {
		return fmt.Errorf("failed to check the exported volumes on %s: %w", r.node.Addr(), err)
	}
	if !strings.Contains(string(out), IQN(r.input.ID)) {
		return fmt.Errorf("unable to deploy the iSCSI target %s", IQN(r.input.ID))
	}
	slog.Info("iSCSI target deployed", slog.String("host", r.node.Addr()), slog.String("iqn", IQN(r.input.ID)), slog.String("device", r.input.Device))
	return nil
}
