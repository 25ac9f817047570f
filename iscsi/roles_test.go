package iscsi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const losetupOut = `/dev/loop0: [0805]:12 (/tmp/id01-iscsi.loop)
/dev/loop3: [0805]:99 (/var/lib/images/extra.img)
losetup: unused junk
`

func TestIQN(t *testing.T) {
	assert.Equal(t, "iqn.2015-01.qa.cloud.suse.de:id01", IQN("id01"))
}

func TestParseLoopDevices(t *testing.T) {
	devices := parseLoopDevices([]byte(losetupOut))
	require.Len(t, devices, 2)
	assert.Equal(t, loopDevice{dev: "/dev/loop0", file: "/tmp/id01-iscsi.loop"}, devices[0])
	assert.Equal(t, loopDevice{dev: "/dev/loop3", file: "/var/lib/images/extra.img"}, devices[1])

	assert.Empty(t, parseLoopDevices(nil))
}

func TestFindTargetName(t *testing.T) {
	discovery := "192.168.124.10:3260,1 iqn.2015-01.qa.cloud.suse.de:id01\n" +
		"192.168.124.10:3260,1 iqn.2015-01.qa.cloud.suse.de:id02\n"

	name, ok := findTargetName([]byte(discovery), "id02")
	require.True(t, ok)
	assert.Equal(t, "iqn.2015-01.qa.cloud.suse.de:id02", name)

	_, ok = findTargetName([]byte(discovery), "id07")
	assert.False(t, ok)

	_, ok = findTargetName(nil, "id01")
	assert.False(t, ok)
}

func TestNewTargetRoleValidation(t *testing.T) {
	node := NewNode(newScriptedTarget("node1"))

	_, err := NewTargetRole(node, &TargetRoleInput{Device: "/dev/loop0", ID: "id01"})
	require.Error(t, err)

	r, err := NewTargetRole(node, &TargetRoleInput{Device: "/dev/sdc", ID: "id01"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.input.SizeMB)
}

func TestNewInitiatorRoleValidation(t *testing.T) {
	node := NewNode(newScriptedTarget("node1"))

	_, err := NewInitiatorRole(node, &InitiatorRoleInput{ID: "id01"})
	require.Error(t, err)
}

func TestTargetRoleDeployLoopDevice(t *testing.T) {
	st := newScriptedTarget("node1")
	st.respond("losetup -a", "", "/dev/loop0: [0805]:12 (/tmp/id01-iscsi.loop)\n")
	st.respond("cat /etc/ietd.conf", "")
	st.respond("cat /etc/rc.d/boot.local", "", "")
	st.respond("cat /proc/net/iet/volume", "tid:1 name:iqn.2015-01.qa.cloud.suse.de:id01\n")
	node := NewNode(st)

	r, err := NewTargetRole(node, &TargetRoleInput{
		Device:      "/dev/loop0",
		BackingPath: "/tmp/id01-iscsi.loop",
		ID:          "id01",
	})
	require.NoError(t, err)
	require.NoError(t, r.Deploy())

	assert.Equal(t, []string{
		"zypper --non-interactive install --no-recommends iscsitarget",
		"losetup -a",
		"dd if=/dev/zero of=/tmp/id01-iscsi.loop bs=1M count=1",
		`echo -e 'o\nn\np\n1\n\n\nw' | fdisk /tmp/id01-iscsi.loop`,
		"losetup /dev/loop0 /tmp/id01-iscsi.loop",
		"losetup -a",
		"cat /etc/ietd.conf",
		"echo 'IncomingUser user passwd' >> /etc/ietd.conf",
		"echo 'Target iqn.2015-01.qa.cloud.suse.de:id01' >> /etc/ietd.conf",
		"echo '\tLun 0 Path=/dev/loop0' >> /etc/ietd.conf",
		"chkconfig iscsitarget on",
		"rciscsitarget restart",
		"cat /etc/rc.d/boot.local",
		"cat /etc/rc.d/boot.local",
		"echo 'losetup /dev/loop0 /tmp/id01-iscsi.loop' >> /etc/rc.d/boot.local",
		"echo 'rciscsitarget restart' >> /etc/rc.d/boot.local",
		"cat /proc/net/iet/volume",
	}, st.ops)
}

func TestTargetRoleDeployBlockDevice(t *testing.T) {
	st := newScriptedTarget("node1")
	st.respond("cat /proc/net/iet/volume", "tid:1 name:iqn.2015-01.qa.cloud.suse.de:id02\n")
	node := NewNode(st)

	r, err := NewTargetRole(node, &TargetRoleInput{Device: "/dev/sdc", ID: "id02"})
	require.NoError(t, err)
	require.NoError(t, r.Deploy())

	// No loop device work, and boot.local carries only the restart line.
	assert.Equal(t, []string{
		"zypper --non-interactive install --no-recommends iscsitarget",
		"cat /etc/ietd.conf",
		"echo 'IncomingUser user passwd' >> /etc/ietd.conf",
		"echo 'Target iqn.2015-01.qa.cloud.suse.de:id02' >> /etc/ietd.conf",
		"echo '\tLun 0 Path=/dev/sdc' >> /etc/ietd.conf",
		"chkconfig iscsitarget on",
		"rciscsitarget restart",
		"cat /etc/rc.d/boot.local",
		"cat /etc/rc.d/boot.local",
		"echo 'rciscsitarget restart' >> /etc/rc.d/boot.local",
		"cat /proc/net/iet/volume",
	}, st.ops)
}

func TestTargetRoleDeployRefusesAttachedLoop(t *testing.T) {
	st := newScriptedTarget("node1")
	st.respond("losetup -a", losetupOut)
	node := NewNode(st)

	r, err := NewTargetRole(node, &TargetRoleInput{
		Device:      "/dev/loop0",
		BackingPath: "/tmp/id01-iscsi.loop",
		ID:          "id01",
	})
	require.NoError(t, err)

	err = r.Deploy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop device already installed: /dev/loop0 / /tmp/id01-iscsi.loop")
}

func TestTargetRoleDeployVerifiesExport(t *testing.T) {
	st := newScriptedTarget("node1")
	st.respond("cat /proc/net/iet/volume", "tid:1 name:iqn.2015-01.qa.cloud.suse.de:other\n")
	node := NewNode(st)

	r, err := NewTargetRole(node, &TargetRoleInput{Device: "/dev/sdc", ID: "id01"})
	require.NoError(t, err)

	err = r.Deploy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to deploy the iSCSI target iqn.2015-01.qa.cloud.suse.de:id01")
}

func TestDestroyLoop(t *testing.T) {
	st := newScriptedTarget("node1")
	st.respond("losetup -a", "/dev/loop0: [0805]:12 (/tmp/id01-iscsi.loop)\n")
	node := NewNode(st)

	r, err := NewTargetRole(node, &TargetRoleInput{
		Device:      "/dev/loop0",
		BackingPath: "/tmp/id01-iscsi.loop",
		ID:          "id01",
	})
	require.NoError(t, err)

	require.NoError(t, r.DestroyLoop())
	assert.Equal(t, []string{
		"losetup -a",
		"losetup -d /dev/loop0",
		"rm /tmp/id01-iscsi.loop",
	}, st.ops)
}

func TestDestroyLoopNothingAttached(t *testing.T) {
	st := newScriptedTarget("node1")
	st.respond("losetup -a", "")
	node := NewNode(st)

	r, err := NewTargetRole(node, &TargetRoleInput{
		Device:      "/dev/loop0",
		BackingPath: "/tmp/id01-iscsi.loop",
		ID:          "id01",
	})
	require.NoError(t, err)

	require.NoError(t, r.DestroyLoop())
	assert.Equal(t, []string{"losetup -a"}, st.ops)
}

func TestInitiatorRoleDeploy(t *testing.T) {
	st := newScriptedTarget("node2")
	// The CHAP settings are already in place, so no appends happen.
	st.respond("cat /etc/iscsid.conf", strings.Join(chapLines, "\n")+"\n")
	st.respond("iscsiadm -m discovery --type=st --portal=192.168.124.10",
		"192.168.124.10:3260,1 iqn.2015-01.qa.cloud.suse.de:id01\n")
	node := NewNode(st)

	r, err := NewInitiatorRole(node, &InitiatorRoleInput{TargetHost: "192.168.124.10", ID: "id01"})
	require.NoError(t, err)
	require.NoError(t, r.Deploy())

	assert.Equal(t, []string{
		"zypper --non-interactive install --no-recommends open-iscsi",
		"cat /etc/iscsid.conf",
		"chkconfig open-iscsi on",
		"rcopen-iscsi restart",
		"iscsiadm -m discovery --type=st --portal=192.168.124.10",
		"iscsiadm -m node -n iqn.2015-01.qa.cloud.suse.de:id01 --login",
	}, st.ops)

	require.NoError(t, r.Logout())
	assert.Equal(t, "iscsiadm -m node -n iqn.2015-01.qa.cloud.suse.de:id01 --logout", st.ops[len(st.ops)-1])
}

func TestInitiatorRoleDeployTargetMissing(t *testing.T) {
	st := newScriptedTarget("node2")
	st.respond("cat /etc/iscsid.conf", strings.Join(chapLines, "\n")+"\n")
	st.respond("iscsiadm -m discovery --type=st --portal=192.168.124.10",
		"192.168.124.10:3260,1 iqn.2015-01.qa.cloud.suse.de:id02\n")
	node := NewNode(st)

	r, err := NewInitiatorRole(node, &InitiatorRoleInput{TargetHost: "192.168.124.10", ID: "id01"})
	require.NoError(t, err)

	err = r.Deploy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target with ID id01 not found")
}

func TestLogoutBeforeDeploy(t *testing.T) {
	node := NewNode(newScriptedTarget("node2"))

	r, err := NewInitiatorRole(node, &InitiatorRoleInput{TargetHost: "192.168.124.10", ID: "id01"})
	require.NoError(t, err)

	require.Error(t, r.Logout())
}
