package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orrn/gridlocal/internal/config"
	"github.com/orrn/gridlocal/internal/logging"
)

// memStore is an in-memory Store that counts writes.
type memStore struct {
	mu      sync.Mutex
	records []json.RawMessage
	writes  int
	failErr error
}

func (s *memStore) Read() ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.records...), nil
}

func (s *memStore) Write(records []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.records = append([]json.RawMessage(nil), records...)
	s.writes++
	return nil
}

func (s *memStore) snapshot(t *testing.T) []*Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.records))
	for _, r := range s.records {
		var j Job
		if err := json.Unmarshal(r, &j); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		out = append(out, &j)
	}
	return out
}

// fakeDriver records sends and can be scripted to fail or block.
type fakeDriver struct {
	name    string
	initErr error
	sendErr error
	block   chan struct{}

	mu        sync.Mutex
	inits     int
	sent      []*Job
	status    DeviceStatus
	statusErr error
	polls     int
	canceled  []string
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) Init(env Env) error {
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	return f.initErr
}

func (f *fakeDriver) Send(ctx context.Context, dev *Device, job *Job) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, &Job{Key: job.Key, Name: job.Name, Payload: append([]byte(nil), job.Payload...)})
	return f.sendErr
}

func (f *fakeDriver) Status(ctx context.Context, dev *Device) (DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.status, f.statusErr
}

func (f *fakeDriver) Cancel(ctx context.Context, dev *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, dev.Name)
	return nil
}

func (f *fakeDriver) sends() []*Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Job(nil), f.sent...)
}

// sendOnly lacks the optional capabilities.
type sendOnly struct{ name string }

func (s sendOnly) Name() string                              { return s.name }
func (s sendOnly) Init(Env) error                            { return nil }
func (s sendOnly) Send(context.Context, *Device, *Job) error { return nil }

var errBoom = errors.New("boom")

func newTestQueue(t *testing.T, max int) (*Queue, *memStore) {
	t.Helper()
	store := &memStore{}
	return NewQueue(store, max, logging.Discard()), store
}

// newTestDevices wires a registry with the given drivers and resolves one
// device per entry in targets.
func newTestDevices(t *testing.T, q *Queue, targets map[string]config.Device, drivers ...Driver) *Devices {
	t.Helper()
	reg := NewDriverRegistry(Env{Queue: q, Log: logging.Discard()})
	for _, d := range drivers {
		d := d
		reg.Register(d.Name(), func() Driver { return d })
	}
	ds := NewDevices(reg, "10.0.0.5", logging.Discard())
	ds.Resolve(targets)
	return ds
}

func waitBriefly() {
	time.Sleep(5 * time.Millisecond)
}
