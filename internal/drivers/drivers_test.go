package drivers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orrn/gridlocal/internal/config"
	"github.com/orrn/gridlocal/internal/core"
	"github.com/orrn/gridlocal/internal/logging"
)

func newDevice(t *testing.T, drv core.Driver, params map[string]any, filters map[string]config.Filter) *core.Device {
	t.Helper()
	reg := core.NewDriverRegistry(core.Env{Log: logging.Discard(), Filters: filters})
	reg.Register(drv.Name(), func() core.Driver { return drv })
	ds := core.NewDevices(reg, "127.0.0.1", logging.Discard())
	ds.Resolve(map[string]config.Device{"dev": {Driver: drv.Name(), Params: params}})
	dev, ok := ds.Get("dev")
	if !ok {
		t.Fatalf("device not resolved")
	}
	return dev
}

func TestRegisterAll(t *testing.T) {
	reg := core.NewDriverRegistry(core.Env{Log: logging.Discard()})
	RegisterAll(reg)
	for _, name := range []string{ExecName, FileName, HTTPName, SerialName} {
		drv, ok := reg.Get(name)
		if !ok || drv.Name() != name {
			t.Fatalf("driver %s not available", name)
		}
	}
	if _, ok := reg.Get(core.DefaultDriver); !ok {
		t.Fatalf("default driver not registered")
	}
}

func TestExecRunsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.gcode")
	dev := newDevice(t, &Exec{}, map[string]any{
		"command": "sh",
		"args":    []any{"-c", `cat "$1" > "$2"`, "sh", "{file}", out},
	}, nil)

	job := &core.Job{Key: "k1", Name: "part.gcode", Payload: []byte("G1 X1")}
	if err := dev.Driver().Send(context.Background(), dev, job); err != nil {
		t.Fatalf("send: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "G1 X1" {
		t.Fatalf("output %q err=%v", data, err)
	}
}

func TestExecFilterAppendsFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "seen")
	filters := map[string]config.Filter{
		"record": {Command: "sh", Args: []string{"-c", `basename "$0" > ` + out}, Extension: ".stl"},
	}
	dev := newDevice(t, &Exec{}, map[string]any{"filter": "record"}, filters)

	job := &core.Job{Key: "k2", Name: "model", Payload: []byte("solid")}
	if err := dev.Driver().Send(context.Background(), dev, job); err != nil {
		t.Fatalf("send: %v", err)
	}
	data, _ := os.ReadFile(out)
	if !strings.HasSuffix(strings.TrimSpace(string(data)), ".stl") {
		t.Fatalf("filter extension not applied: %q", data)
	}
}

func TestExecErrors(t *testing.T) {
	dev := newDevice(t, &Exec{}, map[string]any{
		"command": "sh",
		"args":    []any{"-c", "echo nozzle jammed >&2; exit 3"},
	}, nil)
	err := dev.Driver().Send(context.Background(), dev, &core.Job{Key: "k", Name: "a", Payload: []byte("x")})
	if err == nil || !strings.Contains(err.Error(), "nozzle jammed") {
		t.Fatalf("expected command output in error, got %v", err)
	}

	bare := newDevice(t, &Exec{}, nil, nil)
	if err := bare.Driver().Send(context.Background(), bare, &core.Job{Payload: []byte("x")}); !errors.Is(err, ErrMissingParam) {
		t.Fatalf("expected ErrMissingParam, got %v", err)
	}

	unknown := newDevice(t, &Exec{}, map[string]any{"filter": "nope"}, nil)
	if err := unknown.Driver().Send(context.Background(), unknown, &core.Job{Payload: []byte("x")}); err == nil {
		t.Fatalf("unknown filter accepted")
	}
}

func TestExpandArgs(t *testing.T) {
	vars := map[string]string{"{file}": "/tmp/a", "{name}": "part", "{key}": "k", "{device}": "d"}
	got := expandArgs([]string{"--in={file}", "--dev", "{device}"}, vars)
	if strings.Join(got, " ") != "--in=/tmp/a --dev d" {
		t.Fatalf("unexpected args %v", got)
	}
	got = expandArgs([]string{"-n", "{name}"}, vars)
	if strings.Join(got, " ") != "-n part /tmp/a" {
		t.Fatalf("file not appended: %v", got)
	}
}

func TestFileDriver(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sd")
	dev := newDevice(t, &File{}, map[string]any{"dir": dir}, nil)
	drv := dev.Driver()

	if _, err := drv.(core.StatusReporter).Status(context.Background(), dev); err == nil {
		t.Fatalf("missing directory reported ready")
	}

	if err := drv.Send(context.Background(), dev, &core.Job{Key: "k", Name: "../part.gcode", Payload: []byte("G28")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "part.gcode"))
	if err != nil || string(data) != "G28" {
		t.Fatalf("written %q err=%v", data, err)
	}

	// spooled jobs are read back from their artifact
	artifact := filepath.Join(t.TempDir(), "k2-b.gcode")
	if err := os.WriteFile(artifact, []byte("G1"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := drv.Send(context.Background(), dev, &core.Job{Key: "k2", Name: "b.gcode", Artifacts: []string{artifact}}); err != nil {
		t.Fatalf("send spooled: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "b.gcode")); string(data) != "G1" {
		t.Fatalf("spooled content %q", data)
	}

	status, err := drv.(core.StatusReporter).Status(context.Background(), dev)
	if err != nil || status.State != "ready" {
		t.Fatalf("status %+v err=%v", status, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}
