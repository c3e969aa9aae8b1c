package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

type StoreConfig struct {
	Path string
	// MinimumFreeSpace in bytes that must stay free on the disk holding Path.
	MinimumFreeSpace uint64
	// QuotaBytes bounds the encoded size of all stored blobs; 0 disables it.
	QuotaBytes int64
	Logger     *logrus.Logger
}

func (sc *StoreConfig) checkConfig() error {
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}
	if sc.QuotaBytes < 0 {
		return errors.New("quota must not be negative")
	}

	info, err := os.Stat(sc.Path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	free, err := freeSpace(sc.Path)
	if err != nil {
		return err
	}
	if free < sc.MinimumFreeSpace {
		return fmt.Errorf("not enough space available on disk: %d bytes free, %d required", free, sc.MinimumFreeSpace)
	}

	return nil
}

func freeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}
