package systemddriver

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/moby/devicemanager/devices"
)

// findDeviceGroup looks up the device group name for a (type, major)
// pair in /proc/devices, prefixed the way systemd DeviceAllow wants it.
// When more than one group shares the major an arbitrary one is chosen.
// Returns "" without error when no group matches.
func findDeviceGroup(t devices.Type, major int64) (string, error) {
	fh, err := os.Open("/proc/devices")
	if err != nil {
		return "", err
	}
	defer fh.Close()
	prefix, err := groupPrefix(t)
	if err != nil {
		return "", err
	}
	return scanDeviceGroup(fh, t, major, prefix)
}

func scanDeviceGroup(fh *os.File, t devices.Type, major int64, prefix string) (string, error) {
	scanner := bufio.NewScanner(fh)
	var section devices.Type
	for scanner.Scan() {
		// The major column is right-aligned with spaces.
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "Block devices:":
			section = devices.BlockDevice
			continue
		case "Character devices:":
			section = devices.CharDevice
			continue
		case "":
			continue
		}
		if section != t {
			continue
		}

		var (
			currMajor int64
			currName  string
		)
		if n, err := fmt.Sscanf(line, "%d %s", &currMajor, &currName); err != nil || n != 2 {
			if err == nil {
				err = errors.New("wrong number of fields")
			}
			return "", fmt.Errorf("scan /proc/devices line %q: %w", line, err)
		}
		if currMajor == major {
			return prefix + currName, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading /proc/devices: %w", err)
	}
	return "", nil
}
