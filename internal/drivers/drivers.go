// Package drivers holds the built-in device drivers.
package drivers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orrn/gridlocal/internal/core"
)

var ErrMissingParam = errors.New("missing device parameter")

// RegisterAll registers every built-in driver factory.
func RegisterAll(reg *core.DriverRegistry) {
	reg.Register(ExecName, func() core.Driver { return &Exec{} })
	reg.Register(FileName, func() core.Driver { return &File{} })
	reg.Register(HTTPName, func() core.Driver { return &HTTP{} })
	reg.Register(SerialName, func() core.Driver { return NewSerial() })
}

func requireParam(dev *core.Device, key string) (string, error) {
	v := dev.StringParam(key, "")
	if v == "" {
		return "", fmt.Errorf("device %s: %w %q", dev.Name, ErrMissingParam, key)
	}
	return v, nil
}

// payload returns the job body, reading the spooled artifact when the job no
// longer carries it in memory.
func payload(job *core.Job) ([]byte, error) {
	if job.Payload != nil {
		return job.Payload, nil
	}
	if len(job.Artifacts) > 0 {
		return os.ReadFile(job.Artifacts[0])
	}
	return nil, fmt.Errorf("job %s has no payload", job.Key)
}

// jobFile returns a path holding the job body. Spooled jobs use their
// artifact; others are written to a temp file removed by cleanup.
func jobFile(job *core.Job, ext string) (path string, cleanup func(), err error) {
	if len(job.Artifacts) > 0 {
		if _, err := os.Stat(job.Artifacts[0]); err == nil {
			return job.Artifacts[0], func() {}, nil
		}
	}
	if ext == "" {
		ext = filepath.Ext(job.Name)
	}

	f, err := os.CreateTemp("", "gridlocal-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup = func() { os.Remove(f.Name()) }

	if _, err := f.Write(job.Payload); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}
