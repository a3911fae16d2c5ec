package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/config"
)

// Driver delivers jobs to one class of device. A single instance serves every
// device of its type.
type Driver interface {
	Name() string
	Init(env Env) error
	Send(ctx context.Context, dev *Device, job *Job) error
}

// StatusReporter is the optional status capability.
type StatusReporter interface {
	Status(ctx context.Context, dev *Device) (DeviceStatus, error)
}

// Canceler is the optional cancel capability. It acts on the device, not on
// a queued job.
type Canceler interface {
	Cancel(ctx context.Context, dev *Device) error
}

// Env is handed to a driver once, when its type is first loaded.
type Env struct {
	Queue   *Queue
	Log     *logrus.Entry
	Filters map[string]config.Filter
}

type Factory func() Driver

// DriverRegistry loads drivers lazily by type name, at most once per type.
type DriverRegistry struct {
	env Env

	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]Driver
	failed    map[string]error
}

func NewDriverRegistry(env Env) *DriverRegistry {
	return &DriverRegistry{
		env:       env,
		factories: make(map[string]Factory),
		loaded:    make(map[string]Driver),
		failed:    make(map[string]error),
	}
}

func (r *DriverRegistry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the driver for typeName, loading and initialising it on first
// use. A failed load is remembered and not retried.
func (r *DriverRegistry) Get(typeName string) (Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.loaded[typeName]; ok {
		return d, true
	}
	if _, failed := r.failed[typeName]; failed {
		return nil, false
	}

	d, err := r.load(typeName)
	if err != nil {
		r.failed[typeName] = err
		r.env.Log.WithError(err).WithField("driver", typeName).Error("driver load failed")
		return nil, false
	}
	r.loaded[typeName] = d
	r.env.Log.WithField("driver", typeName).Info("driver loaded")
	return d, true
}

func (r *DriverRegistry) load(typeName string) (Driver, error) {
	factory, ok := r.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown driver type %q", typeName)
	}
	d := factory()
	if d == nil {
		return nil, fmt.Errorf("driver factory %q returned nothing", typeName)
	}
	if d.Name() != typeName {
		return nil, fmt.Errorf("driver name mismatch: requested %q, got %q", typeName, d.Name())
	}

	env := r.env
	env.Log = r.env.Log.WithField("driver", typeName)
	if err := d.Init(env); err != nil {
		return nil, fmt.Errorf("driver %q init: %w", typeName, err)
	}
	return d, nil
}
