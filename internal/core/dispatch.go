package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CreateRequest describes a job before its payload arrives.
type CreateRequest struct {
	Name              string  `json:"filename" form:"filename"`
	Target            string  `json:"target" form:"target"`
	EstimatedDuration float64 `json:"estime" form:"estime"`
	EstimatedMaterial float64 `json:"fused" form:"fused"`
}

// Notifier hears about jobs reaching a terminal state. It receives a copy of
// the persisted fields.
type Notifier interface {
	JobFinished(job *Job)
}

// Dispatcher is the job-submission boundary: it creates queue entries,
// spools payloads to disk and hands them to device drivers.
type Dispatcher struct {
	queue   *Queue
	devices *Devices
	tempDir string
	timeout time.Duration
	log     *logrus.Entry

	notifier Notifier

	keyMu   sync.Mutex
	lastKey int64

	wg sync.WaitGroup
}

func NewDispatcher(queue *Queue, devices *Devices, tempDir string, timeout time.Duration, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		devices: devices,
		tempDir: tempDir,
		timeout: timeout,
		log:     log,
	}
}

func (d *Dispatcher) SetNotifier(n Notifier) {
	d.notifier = n
}

// nextKey derives a key from the wall clock, bumped so that keys handed out
// by this process strictly increase.
func (d *Dispatcher) nextKey() string {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	ms := time.Now().UnixMilli()
	if ms <= d.lastKey {
		ms = d.lastKey + 1
	}
	d.lastKey = ms
	return strconv.FormatInt(ms, 36)
}

// Create adds a queueing entry for req and returns its key.
func (d *Dispatcher) Create(req CreateRequest, source string) (string, error) {
	if _, ok := d.devices.Get(req.Target); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, req.Target)
	}
	name := filepath.Base(strings.TrimSpace(req.Name))
	if name == "." || name == string(filepath.Separator) {
		name = "job"
	}

	key := d.nextKey()
	d.queue.Add(key, &Job{
		Source:            source,
		Name:              name,
		Target:            req.Target,
		EstimatedDuration: req.EstimatedDuration,
		EstimatedMaterial: req.EstimatedMaterial,
		Status:            StatusQueueing,
	})
	return key, nil
}

// Submit receives the payload for key, spools it and starts dispatch. The
// body is the job bytes, optionally followed by a NUL and a base64 image.
func (d *Dispatcher) Submit(key string, body []byte) (Summary, error) {
	job, err := d.queue.reserve(key)
	if err != nil {
		return Summary{}, err
	}

	payload, image, imgErr := SplitPayload(body)
	if imgErr != nil {
		d.log.WithError(imgErr).WithField("key", key).Warn("ignoring undecodable job image")
	}

	files, err := d.spool(key, job.Name, payload, image)
	if err != nil {
		err = fmt.Errorf("failed to spool job: %w", err)
		d.finish(job, err)
		return d.queue.snapshot(job).Summary(), err
	}

	work, err := d.queue.Queued(key, payload, image, files)
	if err != nil {
		removeAll(files)
		return Summary{}, err
	}

	d.wg.Add(1)
	go d.dispatch(job, work)

	return d.queue.Check(key)
}

func (d *Dispatcher) spool(key, name string, payload, image []byte) ([]string, error) {
	if err := os.MkdirAll(d.tempDir, 0o755); err != nil {
		return nil, err
	}
	var files []string

	path := filepath.Join(d.tempDir, key+"-"+name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return nil, err
	}
	files = append(files, path)

	if len(image) > 0 {
		imgPath := filepath.Join(d.tempDir, key+".png")
		if err := os.WriteFile(imgPath, image, 0o644); err != nil {
			removeAll(files)
			return nil, err
		}
		files = append(files, imgPath)
	}
	return files, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// SplitPayload separates job bytes from an optional trailing base64 image.
// An image that fails to decode is dropped and reported; the payload is
// still returned.
func SplitPayload(body []byte) (payload, image []byte, err error) {
	i := bytes.IndexByte(body, 0)
	if i < 0 {
		return body, nil, nil
	}
	payload = body[:i]
	rest := strings.TrimSpace(string(body[i+1:]))
	if j := strings.Index(rest, ";base64,"); j >= 0 && strings.HasPrefix(rest, "data:") {
		rest = rest[j+len(";base64,"):]
	}
	if rest == "" {
		return payload, nil, nil
	}
	image, err = base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return payload, nil, err
	}
	return payload, image, nil
}

// dispatch sends work, the driver's copy of job, and records the outcome on
// the live entry.
func (d *Dispatcher) dispatch(job, work *Job) {
	defer d.wg.Done()

	d.finish(job, d.send(work))
}

func (d *Dispatcher) finish(job *Job, err error) {
	if derr := d.queue.Done(job, err); derr != nil {
		d.log.WithError(derr).WithField("key", job.Key).Error("failed to mark job")
		return
	}
	if d.notifier != nil {
		d.notifier.JobFinished(d.queue.snapshot(job))
	}
}

func (d *Dispatcher) send(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()

	dev, ok := d.devices.Get(job.Target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, job.Target)
	}
	drv := dev.Driver()
	if drv == nil {
		return ErrNoDriver
	}

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	d.log.WithFields(logrus.Fields{"key": job.Key, "device": dev.Name, "size": job.Size}).Info("dispatching job")
	return drv.Send(ctx, dev, job)
}

func (d *Dispatcher) Check(key string) (Summary, error) {
	return d.queue.Check(key)
}

// Wait blocks until the job is done or ctx ends. On ctx expiry the current
// summary is returned along with ctx's error.
func (d *Dispatcher) Wait(ctx context.Context, key string) (Summary, error) {
	ch, err := d.queue.Wait(key)
	if err != nil {
		return Summary{}, err
	}
	select {
	case s, ok := <-ch:
		if !ok {
			return Summary{}, ErrUnknownKey
		}
		return s, nil
	case <-ctx.Done():
		s, err := d.queue.Check(key)
		if err != nil {
			return Summary{}, err
		}
		return s, ctx.Err()
	}
}

func (d *Dispatcher) Delete(addTime int64) bool {
	return d.queue.Delete(addTime)
}

func (d *Dispatcher) History() []*Job {
	return d.queue.List()
}

// Cancel asks the device's driver to abort whatever it is doing. Queue state
// is not touched.
func (d *Dispatcher) Cancel(ctx context.Context, device string) error {
	dev, ok := d.devices.Get(device)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	c, ok := dev.Driver().(Canceler)
	if !ok {
		return ErrCancelUnsupported
	}
	return c.Cancel(ctx, dev)
}

// Drain waits for in-flight dispatches to finish.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}
