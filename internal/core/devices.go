package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/config"
)

const DefaultDriver = "exec"

// deviceNamespace seeds the name-derived device UUIDs. Changing it changes
// every device identity known to the relay broker.
var deviceNamespace = uuid.MustParse("6f1c9a52-3b7e-5d21-9c4a-8e0f2b7d6a13")

// DeviceUUID derives the stable broker identity for a device name.
func DeviceUUID(name string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(name)).String()
}

// Device is a configured fabrication target bound to a loaded driver. Name,
// Type, Params and UUID are fixed after resolution.
type Device struct {
	Name   string
	Type   string
	Params map[string]any
	UUID   string

	driver Driver

	mu         sync.Mutex
	status     DeviceStatus
	disabled   bool
	registered bool
}

func (d *Device) Driver() Driver {
	return d.driver
}

func (d *Device) Status() DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) SetStatus(s DeviceStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Device) Disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled
}

func (d *Device) setDisabled(v bool) {
	d.mu.Lock()
	d.disabled = v
	d.mu.Unlock()
}

// MarkRegistered flips the relay registration flag and reports whether this
// call was the one that set it.
func (d *Device) MarkRegistered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registered {
		return false
	}
	d.registered = true
	return true
}

func (d *Device) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered
}

// StringParam returns a string-ish parameter or def when absent.
func (d *Device) StringParam(key, def string) string {
	v, ok := d.Params[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return def
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

// IntParam returns a numeric parameter or def when absent or malformed.
func (d *Device) IntParam(key string, def int) int {
	v, ok := d.Params[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// DeviceInfo is the client-safe encoding of a device.
type DeviceInfo struct {
	Name     string         `json:"name"`
	Driver   string         `json:"driver"`
	UUID     string         `json:"uuid"`
	Params   map[string]any `json:"params,omitempty"`
	Status   DeviceStatus   `json:"status"`
	Disabled bool           `json:"disabled"`
}

// Devices owns the live device map. Devices are never removed once resolved.
type Devices struct {
	drivers   *DriverRegistry
	localAddr string
	log       *logrus.Entry

	mu      sync.RWMutex
	devices map[string]*Device
}

func NewDevices(drivers *DriverRegistry, localAddr string, log *logrus.Entry) *Devices {
	return &Devices{
		drivers:   drivers,
		localAddr: localAddr,
		log:       log,
		devices:   make(map[string]*Device),
	}
}

// Resolve turns the configured targets into live devices. Targets whose
// driver cannot be loaded are logged and left out.
func (ds *Devices) Resolve(targets map[string]config.Device) {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, name := range names {
		cfg := targets[name]
		typ := cfg.Driver
		if typ == "" {
			typ = DefaultDriver
		}

		drv, ok := ds.drivers.Get(typ)
		if !ok {
			ds.log.WithFields(logrus.Fields{"device": name, "driver": typ}).Warn("device skipped: driver unavailable")
			continue
		}

		ds.devices[name] = &Device{
			Name:     name,
			Type:     typ,
			Params:   rewriteLocalhost(cfg.Params, ds.localAddr),
			UUID:     DeviceUUID(name),
			driver:   drv,
			status:   DeviceStatus{State: StateOffline},
			disabled: cfg.Disabled,
		}
		ds.log.WithFields(logrus.Fields{"device": name, "driver": typ}).Info("device resolved")
	}
}

// rewriteLocalhost copies params, replacing "localhost" inside string values
// with addr.
func rewriteLocalhost(params map[string]any, addr string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok && addr != "" && strings.Contains(s, "localhost") {
			v = strings.ReplaceAll(s, "localhost", addr)
		}
		out[k] = v
	}
	return out
}

func (ds *Devices) Get(name string) (*Device, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	d, ok := ds.devices[name]
	return d, ok
}

// List returns all devices ordered by name.
func (ds *Devices) List() []*Device {
	ds.mu.RLock()
	out := make([]*Device, 0, len(ds.devices))
	for _, d := range ds.devices {
		out = append(out, d)
	}
	ds.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (ds *Devices) Names() []string {
	list := ds.List()
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.Name
	}
	return out
}

func (ds *Devices) Enable(name string) {
	if d, ok := ds.Get(name); ok {
		d.setDisabled(false)
		ds.log.WithField("device", name).Info("device enabled")
	}
}

func (ds *Devices) Disable(name string) {
	if d, ok := ds.Get(name); ok {
		d.setDisabled(true)
		ds.log.WithField("device", name).Info("device disabled")
	}
}

// Encode snapshots the devices for clients. With activeOnly set, disabled
// devices are omitted.
func (ds *Devices) Encode(activeOnly bool) map[string]DeviceInfo {
	out := make(map[string]DeviceInfo)
	for _, d := range ds.List() {
		disabled := d.Disabled()
		if activeOnly && disabled {
			continue
		}
		out[d.Name] = DeviceInfo{
			Name:     d.Name,
			Driver:   d.Type,
			UUID:     d.UUID,
			Params:   publicParams(d.Params),
			Status:   d.Status(),
			Disabled: disabled,
		}
	}
	return out
}

var secretParamHints = []string{"pass", "secret", "token", "key"}

func publicParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
next:
	for k, v := range params {
		lk := strings.ToLower(k)
		for _, hint := range secretParamHints {
			if strings.Contains(lk, hint) {
				continue next
			}
		}
		out[k] = v
	}
	return out
}
