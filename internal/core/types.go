package core

import (
	"errors"
)

var (
	ErrUnknownKey        = errors.New("invalid key")
	ErrUnknownDevice     = errors.New("device not found")
	ErrNoDriver          = errors.New("no driver available for device")
	ErrNotQueued         = errors.New("job has not been queued")
	ErrAlreadyQueued     = errors.New("job payload already received")
	ErrCancelUnsupported = errors.New("driver does not support cancel")
)

const (
	StatusQueueing = "queueing"
	StatusQueued   = "queued"
	StatusDone     = "done"
)

// Timestamps are unix milliseconds. Each is set at most once; Spooled and
// Error are mutually exclusive.
type Timestamps struct {
	Add     int64 `json:"add"`
	Queued  int64 `json:"queued,omitempty"`
	Spooled int64 `json:"spooled,omitempty"`
	Error   int64 `json:"error,omitempty"`
}

// Job is one queued or dispatched entry. Payload and Image are released once
// the job is done and are never persisted.
type Job struct {
	Key               string     `json:"key"`
	Time              Timestamps `json:"time"`
	Source            string     `json:"from"`
	Name              string     `json:"name"`
	Size              int64      `json:"size"`
	Target            string     `json:"target"`
	EstimatedDuration float64    `json:"estime,omitempty"`
	EstimatedMaterial float64    `json:"fused,omitempty"`
	Status            string     `json:"status"`
	Done              bool       `json:"done"`
	Error             bool       `json:"error"`
	Artifacts         []string   `json:"artifacts,omitempty"`

	Payload []byte `json:"-"`
	Image   []byte `json:"-"`

	waiters     []chan Summary
	receiving   bool
	dispatching bool
	evicted     bool
}

// Summary is the public view of a job handed to waiting clients.
type Summary struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  bool   `json:"error"`
	Done   bool   `json:"done"`
}

func (j *Job) Summary() Summary {
	return Summary{Key: j.Key, Status: j.Status, Error: j.Error, Done: j.Done}
}

// snapshot copies the persisted fields only.
func (j *Job) snapshot() *Job {
	c := &Job{
		Key:               j.Key,
		Time:              j.Time,
		Source:            j.Source,
		Name:              j.Name,
		Size:              j.Size,
		Target:            j.Target,
		EstimatedDuration: j.EstimatedDuration,
		EstimatedMaterial: j.EstimatedMaterial,
		Status:            j.Status,
		Done:              j.Done,
		Error:             j.Error,
	}
	if len(j.Artifacts) > 0 {
		c.Artifacts = append([]string(nil), j.Artifacts...)
	}
	return c
}

// DeviceStatus is the last-known runtime state reported by a driver.
type DeviceStatus struct {
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Printing bool    `json:"printing"`
	Filename string  `json:"filename,omitempty"`
	Mode     string  `json:"mode,omitempty"`
}

const StateOffline = "offline"
