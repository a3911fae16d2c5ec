package relay

import (
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/core"
)

// Manager owns one relay client per registered device.
type Manager struct {
	cfg   Config
	http  Doer
	sched Scheduler
	log   *logrus.Entry

	mu      sync.Mutex
	clients map[string]*Client
	stopped bool
}

// NewManager builds a manager using a plain http.Client. Requests carry no
// client timeout; each long poll is bounded by the idle timer instead.
func NewManager(cfg Config, log *logrus.Entry) *Manager {
	return NewManagerWith(cfg, &http.Client{}, ClockScheduler(), log)
}

func NewManagerWith(cfg Config, doer Doer, sched Scheduler, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:     cfg,
		http:    doer,
		sched:   sched,
		log:     log,
		clients: make(map[string]*Client),
	}
}

// StartRelay starts the relay loop for dev. Repeated calls for the same
// device are ignored.
func (m *Manager) StartRelay(dev *core.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, ok := m.clients[dev.Name]; ok {
		return
	}
	c := NewClient(dev, m.cfg, m.http, m.sched, m.log)
	m.clients[dev.Name] = c
	m.log.WithFields(logrus.Fields{"device": dev.Name, "uuid": dev.UUID, "url": m.cfg.URL}).Info("relay registered")
	c.Start()
}

// Devices lists the names of devices with a running relay.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.clients))
	for name := range m.clients {
		out = append(out, name)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	return c, ok
}

// Stop halts every relay loop and waits for in-flight job sends.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
}
