// Package webhook posts job completion events to configured endpoints.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/config"
	"github.com/orrn/gridlocal/internal/core"
)

type Event string

const (
	EventJobDone   Event = "job_done"
	EventJobFailed Event = "job_failed"
)

type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

type JobEventData struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Target   string `json:"target"`
	Source   string `json:"from,omitempty"`
	Status   string `json:"status"`
	Error    bool   `json:"error"`
	Duration int64  `json:"duration_ms,omitempty"`
}

type Config struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	hook    config.Webhook
	payload *Payload
	attempt int
}

// Sender delivers events from a bounded queue with a small worker pool.
// When the queue is full new events are dropped.
type Sender struct {
	hooks      []config.Webhook
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *task
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	log        *logrus.Entry
}

func NewSender(hooks []config.Webhook, cfg Config, log *logrus.Entry) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &Sender{
		hooks: hooks,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.WorkerCount,
		queue:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		log:        log,
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop flushes queued events and waits for the workers. Retries are cut short
// once stopping.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// JobFinished queues a job_done or job_failed event.
func (s *Sender) JobFinished(job *core.Job) {
	event := EventJobDone
	end := job.Time.Spooled
	if job.Error {
		event = EventJobFailed
		end = job.Time.Error
	}

	data := &JobEventData{
		Key:    job.Key,
		Name:   job.Name,
		Target: job.Target,
		Source: job.Source,
		Status: job.Status,
		Error:  job.Error,
	}
	if end > 0 && job.Time.Add > 0 {
		data.Duration = end - job.Time.Add
	}
	s.enqueue(event, data)
}

func subscribed(hook config.Webhook, event Event) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (s *Sender) enqueue(event Event, data any) {
	for _, hook := range s.hooks {
		if !subscribed(hook, event) {
			continue
		}

		t := &task{
			hook: hook,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.log.WithFields(logrus.Fields{"url": hook.URL, "event": event}).Warn("webhook queue full, dropping event")
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			s.drain(id)
			return
		case t := <-s.queue:
			s.deliver(id, t)
		}
	}
}

// drain makes one delivery attempt for every event still queued at shutdown.
func (s *Sender) drain(id int) {
	for {
		select {
		case t := <-s.queue:
			s.deliver(id, t)
		default:
			return
		}
	}
}

func (s *Sender) deliver(id int, t *task) {
	if err := s.sendWithRetry(t); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"worker":   id,
			"url":      t.hook.URL,
			"event":    t.payload.Event,
			"attempts": t.attempt,
		}).Error("webhook delivery failed")
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.hook, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.WithError(err).WithFields(logrus.Fields{
				"url":     t.hook.URL,
				"attempt": t.attempt,
				"backoff": backoff,
			}).Warn("webhook retry scheduled")

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(hook config.Webhook, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	p := *payload
	if hook.Secret != "" {
		p.Signature = signPayload(dataBytes, hook.Secret)
	}

	body, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", p.Event)
	if p.Signature != "" {
		req.Header.Set("X-Webhook-Signature", p.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpError{code: resp.StatusCode}
	}

	return nil
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func isClientError(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.code >= 400 && he.code < 500
}
