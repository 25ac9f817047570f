package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/matthewshim/automation/iscsi"
	"github.com/matthewshim/automation/target"
	"golang.org/x/crypto/ssh"
)

func main() {
	service := flag.String("service", "", "The role to deploy. Must be one of: \"target\", \"initiator\".")
	host := flag.String("host", "", "The host to deploy the role on.")
	targetHost := flag.String("target-host", "", "The host exporting the iSCSI target. Required for the initiator role.")
	device := flag.String("device", "/dev/loop0", "The block device to export. A /dev/loopN device is created on demand.")
	id := flag.String("id", "id01", "The target id. Suffixes the exported IQN.")
	sizeMB := flag.Int("size-mb", 1, "The loop device backing file size in MiB.")
	user := flag.String("user", "root", "The SSH user on the host.")
	password := flag.String("password", "linux", "The SSH password used to install the deploy key.")
	keyPath := flag.String("key", ".iscsi_deploy_key", "The deploy keypair path. Created if missing.")
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

	if *host == "" {
		panic(fmt.Errorf("host is a required flag"))
	}

	kp, err := target.LoadOrCreateKeypair(*keyPath)
	if err != nil {
		panic(err)
	}
	node := target.NewSSHTarget(*user, *host, []ssh.AuthMethod{kp.AuthMethod()})
	err = target.InstallKey(node, *password, kp)
	if err != nil {
		panic(err)
	}
	// The key only exists for this deploy, so take it back out on the way
	// home.
	defer func() {
		err := target.RemoveKey(node, kp)
		if err != nil {
			slog.Warn("could not remove the deploy key", slog.String("host", node.Addr()), slog.String("error", err.Error()))
		}
	}()

	switch *service {
	case "target":
		input := &iscsi.TargetRoleInput{Device: *device, ID: *id, SizeMB: *sizeMB}
		if strings.HasPrefix(*device, "/dev/loop") {
			input.BackingPath = fmt.Sprintf("/tmp/%s-iscsi.loop", *id)
		}
		role, err := iscsi.NewTargetRole(iscsi.NewNode(node), input)
		if err != nil {
			panic(err)
		}
		err = role.Deploy()
		if err != nil {
			panic(err)
		}
	case "initiator":
		role, err := iscsi.NewInitiatorRole(iscsi.NewNode(node), &iscsi.InitiatorRoleInput{
			TargetHost: *targetHost,
			ID:         *id,
		})
		if err != nil {
			panic(err)
		}
		err = role.Deploy()
		if err != nil {
			panic(err)
		}
	default:
		panic(fmt.Errorf("unknown service %q, must be one of: \"target\", \"initiator\"", *service))
	}
}
