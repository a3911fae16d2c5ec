package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/gridlocal/internal/api/middleware"
	"github.com/orrn/gridlocal/internal/config"
	"github.com/orrn/gridlocal/internal/core"
	"github.com/orrn/gridlocal/internal/logging"
)

type stubDriver struct {
	mu   sync.Mutex
	sent []string
}

func (s *stubDriver) Name() string        { return "stub" }
func (s *stubDriver) Init(core.Env) error { return nil }
func (s *stubDriver) Send(ctx context.Context, dev *core.Device, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, job.Name+":"+string(job.Payload))
	return nil
}

type testServer struct {
	router     *gin.Engine
	dispatcher *core.Dispatcher
	driver     *stubDriver
}

func newTestServer(t *testing.T, auth *middleware.AuthMiddleware) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	drv := &stubDriver{}
	q := core.NewQueue(nil, 10, logging.Discard())
	reg := core.NewDriverRegistry(core.Env{Queue: q, Log: logging.Discard()})
	reg.Register("stub", func() core.Driver { return drv })
	devices := core.NewDevices(reg, "127.0.0.1", logging.Discard())
	devices.Resolve(map[string]config.Device{
		"printer1": {Driver: "stub", Params: map[string]any{"apikey": "hidden"}},
		"printer2": {Driver: "stub"},
	})
	d := core.NewDispatcher(q, devices, t.TempDir(), time.Second, logging.Discard())

	return &testServer{
		router:     NewRouter(Deps{Dispatcher: d, Devices: devices, Auth: auth}),
		dispatcher: d,
		driver:     drv,
	}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateSubmitWait(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/jobs", `{"filename":"part.gcode","target":"printer1","estime":120}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	key := decode[map[string]string](t, w)["key"]

	w = s.do(t, http.MethodGet, "/api/jobs/"+key, "")
	if got := decode[core.Summary](t, w); got.Status != core.StatusQueueing {
		t.Fatalf("unexpected status %+v", got)
	}

	w = s.do(t, http.MethodPut, "/api/jobs/"+key, "G28\x00")
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body)
	}

	w = s.do(t, http.MethodGet, "/api/jobs/"+key+"?wait=1", "")
	got := decode[core.Summary](t, w)
	if !got.Done || got.Error || got.Status != core.StatusDone {
		t.Fatalf("unexpected summary after wait %+v", got)
	}

	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	if len(s.driver.sent) != 1 || s.driver.sent[0] != "part.gcode:G28" {
		t.Fatalf("unexpected sends %v", s.driver.sent)
	}
}

func TestOneShotSubmit(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/submit?filename=a.gcode&target=printer2&fused=3.5", "G1 X1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body)
	}
	s.dispatcher.Drain()

	w = s.do(t, http.MethodGet, "/api/jobs", "")
	jobs := decode[[]core.Job](t, w)
	if len(jobs) != 1 || jobs[0].Target != "printer2" || jobs[0].EstimatedMaterial != 3.5 || !jobs[0].Done {
		t.Fatalf("unexpected history %+v", jobs)
	}

	w = s.do(t, http.MethodDelete, "/api/jobs?time="+strconv.FormatInt(jobs[0].Time.Add, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body)
	}
	if w = s.do(t, http.MethodDelete, "/api/jobs?time=1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting unknown time, got %d", w.Code)
	}
}

func TestJobErrors(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		method, target, body string
		want                 int
		msg                  string
	}{
		{http.MethodGet, "/api/jobs/nope", "", http.StatusNotFound, "invalid key"},
		{http.MethodPut, "/api/jobs/nope", "G1", http.StatusNotFound, "invalid key"},
		{http.MethodPost, "/api/jobs", `{"filename":"x"}`, http.StatusBadRequest, "target is required"},
		{http.MethodPost, "/api/jobs", `{"filename":"x","target":"ghost"}`, http.StatusNotFound, "device not found"},
		{http.MethodDelete, "/api/jobs?time=abc", "", http.StatusBadRequest, "invalid time"},
	}
	for _, c := range cases {
		w := s.do(t, c.method, c.target, c.body)
		if w.Code != c.want || !strings.Contains(w.Body.String(), c.msg) {
			t.Fatalf("%s %s: got %d %s", c.method, c.target, w.Code, w.Body)
		}
	}

	w := s.do(t, http.MethodPost, "/api/jobs", `{"filename":"x","target":"printer1"}`)
	key := decode[map[string]string](t, w)["key"]
	s.do(t, http.MethodPut, "/api/jobs/"+key, "G1")
	if w := s.do(t, http.MethodPut, "/api/jobs/"+key, "G1"); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on repeated payload, got %d", w.Code)
	}
	s.dispatcher.Drain()
}

func TestDevices(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/devices", "")
	all := decode[map[string]core.DeviceInfo](t, w)
	if len(all) != 2 {
		t.Fatalf("unexpected devices %+v", all)
	}
	if _, leaked := all["printer1"].Params["apikey"]; leaked {
		t.Fatalf("secret param exposed")
	}

	if w := s.do(t, http.MethodPost, "/api/devices/printer2/disable", ""); w.Code != http.StatusOK {
		t.Fatalf("disable: %d", w.Code)
	}
	active := decode[map[string]core.DeviceInfo](t, s.do(t, http.MethodGet, "/api/devices?active=1", ""))
	if _, ok := active["printer2"]; ok || len(active) != 1 {
		t.Fatalf("disabled device listed as active: %+v", active)
	}
	s.do(t, http.MethodPost, "/api/devices/printer2/enable", "")
	active = decode[map[string]core.DeviceInfo](t, s.do(t, http.MethodGet, "/api/devices?active=1", ""))
	if len(active) != 2 {
		t.Fatalf("re-enabled device missing: %+v", active)
	}

	if w := s.do(t, http.MethodPost, "/api/devices/ghost/disable", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/devices/printer1/cancel", ""); w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for driver without cancel, got %d", w.Code)
	}
}

func TestAuthAppliesToAPIOnly(t *testing.T) {
	s := newTestServer(t, middleware.NewAuthMiddleware("s3cret", ""))

	if w := s.do(t, http.MethodGet, "/api/devices", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/devices?key=s3cret", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz behind auth: %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "gridlocal_") {
		t.Fatalf("metrics: %d", w.Code)
	}
}
