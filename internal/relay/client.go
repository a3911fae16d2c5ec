package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/core"
	"github.com/orrn/gridlocal/internal/metrics"
)

const (
	ReconnectDelay     = 100 * time.Millisecond
	DeliveredDelay     = 1000 * time.Millisecond
	ErrorDelay         = 2000 * time.Millisecond
	DefaultIdleTimeout = 10 * time.Minute

	sendTimeout = 10 * time.Minute
	pollPath    = "/api/grid_up"

	replySuperseded = "superceded"
	replyReconnect  = "reconnect"
	noToken         = "*"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateWaiting
	StateScheduled
	StateStopped
)

var stateNames = []string{"idle", "connecting", "waiting-response", "retry-scheduled", "stopped"}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return strconv.Itoa(int(s))
	}
	return stateNames[s]
}

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeReconnect  Outcome = "reconnect"
	OutcomeDelivered  Outcome = "delivered"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeError      Outcome = "error"
	OutcomeAnomaly    Outcome = "anomaly"
	OutcomeStopped    Outcome = "stopped"
)

// Doer is the subset of *http.Client the relay needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	URL         string
	Version     string
	IdleTimeout time.Duration
	// Host and Port are reported for devices that do not set their own.
	Host string
	Port int
}

// statusReport is the device snapshot published to the broker.
type statusReport struct {
	Addr     string  `json:"addr"`
	Port     int     `json:"port"`
	Name     string  `json:"name"`
	Mode     string  `json:"mode"`
	Run      bool    `json:"run"`
	Filename string  `json:"filename"`
	Progress float64 `json:"progress"`
}

// Client runs the long-poll loop for one device. At most one broker request
// is in flight at a time; the next cycle is only scheduled once the previous
// one has resolved.
type Client struct {
	dev   *core.Device
	cfg   Config
	http  Doer
	sched Scheduler
	log   *logrus.Entry

	inflight atomic.Bool

	mu      sync.Mutex
	state   State
	last    string
	idle    Timer
	next    Timer
	cancel  context.CancelFunc
	stopped bool

	sends sync.WaitGroup
}

func NewClient(dev *core.Device, cfg Config, doer Doer, sched Scheduler, log *logrus.Entry) *Client {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if sched == nil {
		sched = ClockScheduler()
	}
	return &Client{
		dev:   dev,
		cfg:   cfg,
		http:  doer,
		sched: sched,
		log:   log.WithField("device", dev.Name),
		last:  noToken,
	}
}

// Start schedules the first cycle immediately.
func (c *Client) Start() {
	c.schedule(0)
}

// Stop ends the loop and aborts any in-flight request.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.state = StateStopped
	if c.next != nil {
		c.next.Stop()
		c.next = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.sends.Wait()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the filename of the most recently delivered job, or "*".
func (c *Client) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if !c.stopped {
		c.state = s
	}
	c.mu.Unlock()
}

// schedule clears the idle timer of the finished cycle and arms the next one.
func (c *Client) schedule(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.stopped {
		return
	}
	c.state = StateScheduled
	c.next = c.sched.AfterFunc(delay, c.cycle)
}

func (c *Client) cycle() {
	if !c.inflight.CompareAndSwap(false, true) {
		c.log.Warn("relay request already in flight, dropping overlapping cycle")
		return
	}

	outcome, delay := c.poll()
	c.inflight.Store(false)
	metrics.RelayCyclesTotal.WithLabelValues(c.dev.Name, string(outcome)).Inc()

	if outcome == OutcomeSuperseded || outcome == OutcomeStopped {
		c.setState(StateStopped)
		return
	}
	c.schedule(delay)
}

// poll issues one broker request and classifies the reply.
func (c *Client) poll() (Outcome, time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return OutcomeStopped, 0
	}
	c.state = StateConnecting
	c.cancel = cancel
	c.idle = c.sched.AfterFunc(c.cfg.IdleTimeout, func() {
		c.log.Warn("terminating idle relay connection")
		cancel()
	})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.idle != nil {
			c.idle.Stop()
			c.idle = nil
		}
		c.cancel = nil
		c.mu.Unlock()
	}()

	req, err := c.request(ctx)
	if err != nil {
		c.log.WithError(err).Error("relay request error")
		return OutcomeError, ErrorDelay
	}

	c.setState(StateWaiting)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).Warn("relay connection error")
		return OutcomeError, ErrorDelay
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.WithError(err).Warn("relay response error")
		return OutcomeError, ErrorDelay
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.WithField("status", resp.StatusCode).Warn("relay broker returned an error status")
		return OutcomeError, ErrorDelay
	}
	return c.handle(body)
}

func (c *Client) handle(body []byte) (Outcome, time.Duration) {
	switch string(bytes.TrimSpace(body)) {
	case replySuperseded:
		c.log.WithField("uuid", c.dev.UUID).Error("relay superseded by another connection, device stopped relaying")
		return OutcomeSuperseded, 0
	case replyReconnect:
		return OutcomeReconnect, ReconnectDelay
	}

	if i := bytes.IndexByte(body, 0); i >= 0 {
		filename := string(body[:i])
		payload := append([]byte(nil), body[i+1:]...)

		c.mu.Lock()
		c.last = filename
		c.mu.Unlock()

		c.deliver(filename, payload)
		return OutcomeDelivered, DeliveredDelay
	}

	reply := string(body)
	if len(reply) > 200 {
		reply = reply[:200]
	}
	c.log.WithField("reply", reply).Info("unexpected relay reply")
	return OutcomeAnomaly, ReconnectDelay
}

func (c *Client) request(ctx context.Context) (*http.Request, error) {
	status := c.dev.Status()
	stat, err := json.Marshal(statusReport{
		Addr:     c.dev.StringParam("host", c.cfg.Host),
		Port:     c.dev.IntParam("port", c.cfg.Port),
		Name:     c.dev.Name,
		Mode:     status.Mode,
		Run:      status.Printing,
		Filename: status.Filename,
		Progress: status.Progress,
	})
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}

	q := url.Values{}
	q.Set("uuid", c.dev.UUID)
	q.Set("stat", string(stat))
	q.Set("last", c.Last())
	q.Set("time", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("vers", c.cfg.Version)

	return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+pollPath+"?"+q.Encode(), nil)
}

// deliver hands a relayed job straight to the device driver, bypassing the
// queue. The loop does not wait for the send to finish.
func (c *Client) deliver(filename string, payload []byte) {
	drv := c.dev.Driver()
	if drv == nil {
		c.log.WithField("filename", filename).Error("relay job dropped: device has no driver")
		return
	}
	job := &core.Job{
		Key:     "relay-" + strconv.FormatInt(time.Now().UnixMilli(), 36),
		Name:    filename,
		Target:  c.dev.Name,
		Source:  "relay",
		Size:    int64(len(payload)),
		Payload: payload,
		Status:  core.StatusQueued,
	}

	c.sends.Add(1)
	go func() {
		defer c.sends.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.WithField("panic", r).Error("relay job send panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		entry := c.log.WithFields(logrus.Fields{"filename": filename, "size": job.Size})
		if err := drv.Send(ctx, c.dev, job); err != nil {
			entry.WithError(err).Error("relay job send failed")
			return
		}
		entry.Info("relay job sent")
	}()
}
