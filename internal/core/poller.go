package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/metrics"
)

const (
	DefaultPollInterval = time.Second
	defaultPollTimeout  = 30 * time.Second
)

// RelayStarter starts the relay loop for a device. It is invoked at most once
// per device, after the device's first successful status poll.
type RelayStarter interface {
	StartRelay(dev *Device)
}

// Poller refreshes device status on a fixed tick. Each poll runs on its own
// goroutine; a device whose previous poll has not returned is skipped.
type Poller struct {
	devices  *Devices
	relay    RelayStarter
	interval time.Duration
	timeout  time.Duration
	log      *logrus.Entry

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewPoller(devices *Devices, relay RelayStarter, log *logrus.Entry) *Poller {
	return &Poller{
		devices:  devices,
		relay:    relay,
		interval: DefaultPollInterval,
		timeout:  defaultPollTimeout,
		log:      log,
		inflight: make(map[string]bool),
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick starts one status poll for every enabled device that reports status.
func (p *Poller) Tick(ctx context.Context) {
	for _, dev := range p.devices.List() {
		if dev.Disabled() {
			continue
		}
		reporter, ok := dev.Driver().(StatusReporter)
		if !ok {
			continue
		}
		if !p.begin(dev.Name) {
			continue
		}
		p.wg.Add(1)
		go p.poll(ctx, dev, reporter)
	}
}

// Wait blocks until every started poll has returned.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) begin(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[name] {
		return false
	}
	p.inflight[name] = true
	return true
}

func (p *Poller) end(name string) {
	p.mu.Lock()
	delete(p.inflight, name)
	p.mu.Unlock()
}

func (p *Poller) poll(ctx context.Context, dev *Device, reporter StatusReporter) {
	defer p.wg.Done()
	defer p.end(dev.Name)

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := reporter.Status(pctx, dev)
	if err != nil {
		metrics.StatusPollsTotal.WithLabelValues(dev.Name, "error").Inc()
		p.log.WithError(err).WithField("device", dev.Name).Warn("status poll failed")
		return
	}
	metrics.StatusPollsTotal.WithLabelValues(dev.Name, "ok").Inc()
	dev.SetStatus(status)

	if p.relay != nil && dev.MarkRegistered() {
		p.log.WithField("device", dev.Name).Info("starting relay")
		p.relay.StartRelay(dev)
	}
}
