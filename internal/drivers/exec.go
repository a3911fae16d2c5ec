package drivers

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/config"
	"github.com/orrn/gridlocal/internal/core"
)

const ExecName = "exec"

// Exec hands the job file to an external program. A device names either a
// "command" (with optional "args") or a "filter" from the filters section.
// Arguments may use {file}, {name}, {key} and {device}; when none mentions
// {file} the path is appended.
type Exec struct {
	filters map[string]config.Filter
	log     *logrus.Entry
}

func (e *Exec) Name() string { return ExecName }

func (e *Exec) Init(env core.Env) error {
	e.filters = env.Filters
	e.log = env.Log
	return nil
}

func (e *Exec) Send(ctx context.Context, dev *core.Device, job *core.Job) error {
	command, args, ext, err := e.resolve(dev)
	if err != nil {
		return err
	}

	path, cleanup, err := jobFile(job, ext)
	if err != nil {
		return err
	}
	defer cleanup()

	args = expandArgs(args, map[string]string{
		"{file}":   path,
		"{name}":   job.Name,
		"{key}":    job.Key,
		"{device}": dev.Name,
	})

	out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	entry := e.log.WithFields(logrus.Fields{"device": dev.Name, "command": command, "key": job.Key})
	if err != nil {
		msg := strings.TrimSpace(string(out))
		entry.WithError(err).WithField("output", msg).Warn("command failed")
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", command, err, msg)
		}
		return fmt.Errorf("%s: %w", command, err)
	}
	entry.Debug("command completed")
	return nil
}

func (e *Exec) resolve(dev *core.Device) (command string, args []string, ext string, err error) {
	if name := dev.StringParam("filter", ""); name != "" {
		f, ok := e.filters[name]
		if !ok {
			return "", nil, "", fmt.Errorf("device %s: unknown filter %q", dev.Name, name)
		}
		return f.Command, append([]string(nil), f.Args...), f.Extension, nil
	}

	command, err = requireParam(dev, "command")
	if err != nil {
		return "", nil, "", err
	}
	return command, stringList(dev.Params["args"]), dev.StringParam("extension", ""), nil
}

func expandArgs(args []string, vars map[string]string) []string {
	out := make([]string, 0, len(args)+1)
	hasFile := false
	for _, a := range args {
		if strings.Contains(a, "{file}") {
			hasFile = true
		}
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out = append(out, a)
	}
	if !hasFile {
		out = append(out, vars["{file}"])
	}
	return out
}

// stringList accepts the list shapes produced by the config decoders.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return strings.Fields(t)
	}
	return nil
}
