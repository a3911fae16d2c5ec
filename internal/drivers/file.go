package drivers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/core"
)

const FileName = "file"

// File drops jobs into a directory, typically a mounted SD card or a
// watched hot folder. Params: "dir".
type File struct {
	log *logrus.Entry
}

func (f *File) Name() string { return FileName }

func (f *File) Init(env core.Env) error {
	f.log = env.Log
	return nil
}

func (f *File) Send(ctx context.Context, dev *core.Device, job *core.Job) error {
	dir, err := requireParam(dev, "dir")
	if err != nil {
		return err
	}
	data, err := payload(job)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	name := filepath.Base(job.Name)
	if name == "." || name == string(filepath.Separator) {
		name = job.Key
	}

	tmp, err := os.CreateTemp(dir, ".gridlocal-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	f.log.WithFields(logrus.Fields{"device": dev.Name, "path": dst, "size": len(data)}).Info("job written")
	return nil
}

// Status reports ready while the target directory is reachable.
func (f *File) Status(ctx context.Context, dev *core.Device) (core.DeviceStatus, error) {
	dir, err := requireParam(dev, "dir")
	if err != nil {
		return core.DeviceStatus{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return core.DeviceStatus{}, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return core.DeviceStatus{}, fmt.Errorf("%s is not a directory", dir)
	}
	return core.DeviceStatus{State: "ready"}, nil
}
