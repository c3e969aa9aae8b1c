package keyValStore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// getDeviceAndMountPoint picks the partition with the longest mount point
// that contains path.
func getDeviceAndMountPoint(path string) (device, mountPoint string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}

	parts, err := disk.Partitions(true)
	if err != nil {
		return "", "", fmt.Errorf("unable to list partitions: %w", err)
	}

	for _, p := range parts {
		mp := p.Mountpoint
		if mp != "/" && !strings.HasPrefix(abs, strings.TrimRight(mp, "/")+"/") && abs != mp {
			continue
		}
		if len(mp) > len(mountPoint) {
			device, mountPoint = p.Device, mp
		}
	}
	if mountPoint == "" {
		return "", "", fmt.Errorf("unable to find mount for path %s", path)
	}
	return device, mountPoint, nil
}

// displayDiskUsage logs the disk usage of the store path. Failures only
// produce warnings; the numbers are informational.
func displayDiskUsage(log *logrus.Logger, path string) {
	fields := logrus.Fields{"Path": path}

	usage, err := disk.Usage(path)
	if err != nil {
		log.WithFields(fields).Warnf("Error retrieving disk usage stats: %v", err)
		return
	}
	fields["Total (GB)"] = fmt.Sprintf("%.2f", float64(usage.Total)/1e9)
	fields["Used (GB)"] = fmt.Sprintf("%.2f", float64(usage.Used)/1e9)
	fields["Free (GB)"] = fmt.Sprintf("%.2f", float64(usage.Free)/1e9)

	if device, mountPoint, err := getDeviceAndMountPoint(path); err == nil {
		fields["Device"] = device
		fields["Mount Point"] = mountPoint
	}

	if pathSize, err := calculateDirectorySize(path); err == nil {
		fields["Usage by Store"] = fmt.Sprintf("%.2f", float64(pathSize)/1e9)
	}

	log.WithFields(fields).Info("Disk Usage")
}
