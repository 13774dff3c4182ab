package storage

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
)

// qemuConfPath is where libvirt configures the user QEMU runs as.
var qemuConfPath = "/etc/libvirt/qemu.conf"

var (
	qemuOnce sync.Once
	qemuUID  string
	qemuGID  string
	qemuErr  error
)

// QEMUUserGroup returns the UID and GID QEMU processes run as, so volumes
// can be created readable by the guest. The user comes from qemu.conf,
// then the usual account names, then 107 (the Fedora/RHEL default), in
// which case an error is returned alongside the fallback. The result is
// cached.
func QEMUUserGroup() (uid, gid string, err error) {
	qemuOnce.Do(func() {
		qemuUID, qemuGID, qemuErr = lookupQEMUUser(qemuConfPath)
	})
	return qemuUID, qemuGID, qemuErr
}

// qemuOwner is QEMUUserGroup without the error; the fallback IDs are used
// when detection fails.
func qemuOwner() (uid, gid string) {
	uid, gid, _ = QEMUUserGroup()
	return uid, gid
}

func lookupQEMUUser(confPath string) (uid, gid string, err error) {
	username, groupname := qemuConfiguredUser(confPath)
	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			gid = u.Gid
			if groupname != "" {
				if g, err := user.LookupGroup(groupname); err == nil {
					gid = g.Gid
				}
			}
			return u.Uid, gid, nil
		}
	}

	for _, name := range []string{"qemu", "libvirt-qemu"} {
		if u, err := user.Lookup(name); err == nil {
			return u.Uid, u.Gid, nil
		}
	}

	return "107", "107", fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID 107")
}

// qemuConfiguredUser reads the user and group settings of a qemu.conf.
// Missing files and settings yield empty strings.
func qemuConfiguredUser(confPath string) (username, groupname string) {
	f, err := os.Open(confPath)
	if err != nil {
		return "", ""
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}
