package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/gridlocal/internal/config"
	"github.com/orrn/gridlocal/internal/core"
	"github.com/orrn/gridlocal/internal/logging"
)

type delivery struct {
	header http.Header
	event  string
	data   json.RawMessage
	sig    string
}

func newReceiver(t *testing.T, status func(n int32) int) (*httptest.Server, <-chan delivery, *atomic.Int32) {
	t.Helper()
	got := make(chan delivery, 8)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if code := status(n); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p struct {
			Event     string          `json:"event"`
			Data      json.RawMessage `json:"data"`
			Signature string          `json:"signature"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- delivery{header: r.Header.Clone(), event: p.Event, data: p.Data, sig: p.Signature}
	}))
	t.Cleanup(srv.Close)
	return srv, got, &hits
}

func ok(int32) int { return http.StatusOK }

func newTestSender(hooks []config.Webhook) *Sender {
	s := NewSender(hooks, Config{RetryCount: 3, RetryDelay: time.Millisecond, WorkerCount: 1}, logging.Discard())
	s.Start()
	return s
}

func receive(t *testing.T, got <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-got:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no webhook delivered")
		return delivery{}
	}
}

func TestJobFinishedDelivered(t *testing.T) {
	srv, got, _ := newReceiver(t, ok)
	s := newTestSender([]config.Webhook{{URL: srv.URL, Secret: "s3cret"}})
	defer s.Stop()

	s.JobFinished(&core.Job{
		Key:    "k1",
		Name:   "part.gcode",
		Target: "printer1",
		Status: core.StatusDone,
		Done:   true,
		Time:   core.Timestamps{Add: 1000, Queued: 1100, Spooled: 4000},
	})

	d := receive(t, got)
	if d.event != string(EventJobDone) || d.header.Get("X-Webhook-Event") != "job_done" {
		t.Fatalf("unexpected event %q", d.event)
	}
	if d.sig != signPayload(d.data, "s3cret") || d.header.Get("X-Webhook-Signature") != d.sig {
		t.Fatalf("bad signature %q", d.sig)
	}

	var data JobEventData
	if err := json.Unmarshal(d.data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Key != "k1" || data.Duration != 3000 || data.Error {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestEventFilter(t *testing.T) {
	srv, got, hits := newReceiver(t, ok)
	s := newTestSender([]config.Webhook{{URL: srv.URL, Events: []string{string(EventJobFailed)}}})
	defer s.Stop()

	s.JobFinished(&core.Job{Key: "ok", Status: core.StatusDone, Done: true})
	s.JobFinished(&core.Job{Key: "bad", Status: "jammed", Done: true, Error: true})

	d := receive(t, got)
	if d.event != string(EventJobFailed) || d.sig != "" {
		t.Fatalf("unexpected delivery %+v", d)
	}
	time.Sleep(20 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("unsubscribed event delivered")
	}
}

func TestRetriesServerErrors(t *testing.T) {
	srv, got, hits := newReceiver(t, func(n int32) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	s := newTestSender([]config.Webhook{{URL: srv.URL}})
	defer s.Stop()

	s.JobFinished(&core.Job{Key: "k", Done: true})
	receive(t, got)
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestClientErrorsNotRetried(t *testing.T) {
	srv, _, hits := newReceiver(t, func(int32) int { return http.StatusNotFound })
	s := NewSender([]config.Webhook{{URL: srv.URL}}, Config{RetryDelay: time.Millisecond}, logging.Discard())

	err := s.sendWithRetry(&task{hook: config.Webhook{URL: srv.URL}, payload: &Payload{Event: "job_done"}})
	if !isClientError(err) {
		t.Fatalf("expected client error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("client error retried %d times", hits.Load())
	}
}

func TestStopFlushesQueuedEvents(t *testing.T) {
	srv, _, hits := newReceiver(t, ok)
	s := NewSender([]config.Webhook{{URL: srv.URL}}, Config{WorkerCount: 1, RetryDelay: time.Millisecond}, logging.Discard())

	for _, key := range []string{"a", "b", "c"} {
		s.JobFinished(&core.Job{Key: key, Status: core.StatusDone, Done: true})
	}
	s.Start()
	s.Stop()

	if hits.Load() != 3 {
		t.Fatalf("expected 3 deliveries before stop returned, got %d", hits.Load())
	}
}
