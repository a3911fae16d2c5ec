package drivers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/core"
)

const (
	HTTPName = "http"

	defaultUploadField = "file"
	statusTimeout      = 10 * time.Second
	maxStatusBody      = 1 << 20
)

// HTTP uploads jobs to network firmware as a multipart form.
//
// Params:
//
//	url         upload endpoint (required)
//	field       form field name, default "file"
//	apikey      sent as X-Api-Key
//	secret      signs the payload; hex HMAC-SHA256 in X-Grid-Signature
//	status_url  GET endpoint returning a JSON device status
//	cancel_url  POST endpoint aborting the running job
type HTTP struct {
	client *http.Client
	log    *logrus.Entry
}

func (h *HTTP) Name() string { return HTTPName }

func (h *HTTP) Init(env core.Env) error {
	if h.client == nil {
		h.client = &http.Client{}
	}
	h.log = env.Log
	return nil
}

func (h *HTTP) Send(ctx context.Context, dev *core.Device, job *core.Job) error {
	target, err := requireParam(dev, "url")
	if err != nil {
		return err
	}
	data, err := payload(job)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(dev.StringParam("field", defaultUploadField), job.Name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	h.authorize(req, dev)
	if secret := dev.StringParam("secret", ""); secret != "" {
		req.Header.Set("X-Grid-Signature", signPayload(data, secret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}
	h.log.WithFields(logrus.Fields{"device": dev.Name, "name": job.Name, "size": len(data)}).Info("job uploaded")
	return nil
}

func (h *HTTP) Status(ctx context.Context, dev *core.Device) (core.DeviceStatus, error) {
	target := dev.StringParam("status_url", "")
	if target == "" {
		return core.DeviceStatus{State: "ready"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return core.DeviceStatus{}, fmt.Errorf("create request: %w", err)
	}
	h.authorize(req, dev)

	resp, err := h.client.Do(req)
	if err != nil {
		return core.DeviceStatus{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return core.DeviceStatus{}, fmt.Errorf("http error: %d", resp.StatusCode)
	}

	var status core.DeviceStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStatusBody)).Decode(&status); err != nil {
		return core.DeviceStatus{}, fmt.Errorf("decode status: %w", err)
	}
	if status.State == "" {
		status.State = "ready"
	}
	return status, nil
}

func (h *HTTP) Cancel(ctx context.Context, dev *core.Device) error {
	target := dev.StringParam("cancel_url", "")
	if target == "" {
		return core.ErrCancelUnsupported
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	h.authorize(req, dev)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTP) authorize(req *http.Request, dev *core.Device) {
	if key := dev.StringParam("apikey", ""); key != "" {
		req.Header.Set("X-Api-Key", key)
	}
}

func signPayload(payload []byte, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}
