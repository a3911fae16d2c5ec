package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/metrics"
)

const DefaultMaxHistory = 100

// Store persists the ordered job history. Write replaces everything that was
// stored before.
type Store interface {
	Read() ([]json.RawMessage, error)
	Write(records []json.RawMessage) error
}

// Queue is the ordered, keyed job history. The keyed index and the ordered
// sequence always hold the same entries; every structural mutation is
// persisted before the mutating call returns.
type Queue struct {
	store Store
	max   int
	log   *logrus.Entry

	mu    sync.Mutex
	byKey map[string]*Job
	order []*Job
}

func NewQueue(store Store, maxHistory int, log *logrus.Entry) *Queue {
	if maxHistory < 1 {
		maxHistory = DefaultMaxHistory
	}
	return &Queue{
		store: store,
		max:   maxHistory,
		log:   log,
		byKey: make(map[string]*Job),
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Add inserts job under key. An existing entry with the same key is replaced
// in place so both collections keep the same membership.
func (q *Queue) Add(key string, job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Key = key
	if job.Time.Add == 0 {
		job.Time.Add = nowMillis()
	}
	if job.Status == "" {
		job.Status = StatusQueueing
	}

	if old, exists := q.byKey[key]; exists {
		for i, j := range q.order {
			if j == old {
				q.order[i] = job
				break
			}
		}
	} else {
		q.order = append(q.order, job)
	}
	q.byKey[key] = job

	q.log.WithFields(logrus.Fields{
		"key":    key,
		"name":   job.Name,
		"target": job.Target,
		"from":   job.Source,
	}).Info("job added")

	q.saveLogged()
}

// Get returns the live entry for key. Use Check for a consistent read of its
// status fields.
func (q *Queue) Get(key string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byKey[key]
	return job, ok
}

func (q *Queue) Check(key string) (Summary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byKey[key]
	if !ok {
		return Summary{}, ErrUnknownKey
	}
	return job.Summary(), nil
}

// reserve claims key for a payload upload. Only one upload may hold an
// entry, and only while it is still queueing.
func (q *Queue) reserve(key string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byKey[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	if job.Status != StatusQueueing || job.Done || job.receiving {
		return nil, ErrAlreadyQueued
	}
	job.receiving = true
	return job, nil
}

// Queued records receipt of a job's payload: queueing -> queued. It returns
// a copy for the driver; the live entry keeps changing under the queue lock.
func (q *Queue) Queued(key string, payload, image []byte, artifacts []string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byKey[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	if job.Status != StatusQueueing || job.Done {
		return nil, ErrAlreadyQueued
	}

	job.receiving = false
	job.dispatching = true
	job.Payload = payload
	job.Image = image
	job.Size = int64(len(payload))
	job.Artifacts = append(job.Artifacts, artifacts...)
	job.Status = StatusQueued
	job.Time.Queued = nowMillis()

	work := job.snapshot()
	work.Payload = payload
	work.Image = image

	q.saveLogged()
	return work, nil
}

// Wait returns a channel that receives the job summary once it is done. The
// channel is closed without a value if the entry is deleted or evicted first.
func (q *Queue) Wait(key string) (<-chan Summary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byKey[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	ch := make(chan Summary, 1)
	if job.Done {
		ch <- job.Summary()
		return ch, nil
	}
	job.waiters = append(job.waiters, ch)
	return ch, nil
}

// Done is the terminal transition. A nil err marks the job spooled; it is
// rejected for a job that never reached queued. Calling Done twice is a no-op.
func (q *Queue) Done(job *Job, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.Done {
		return nil
	}
	if err == nil && job.Time.Queued == 0 {
		return ErrNotQueued
	}

	entry := q.log.WithFields(logrus.Fields{"key": job.Key, "target": job.Target})
	if err == nil {
		job.Status = StatusDone
		job.Time.Spooled = nowMillis()
		metrics.JobsTotal.WithLabelValues("done").Inc()
		entry.Info("job done")
	} else {
		job.Error = true
		job.Status = err.Error()
		job.Time.Error = nowMillis()
		metrics.JobsTotal.WithLabelValues("error").Inc()
		entry.WithError(err).Warn("job failed")
	}
	job.Payload = nil
	job.Image = nil
	job.Done = true
	job.receiving = false
	job.dispatching = false
	if job.evicted {
		q.cleanup(job)
	}

	waiters := job.waiters
	job.waiters = nil

	q.saveLogged()

	summary := job.Summary()
	for _, w := range waiters {
		select {
		case w <- summary:
		default:
		}
	}
	return nil
}

// Delete removes the first entry whose add timestamp equals addTime.
func (q *Queue) Delete(addTime int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.order {
		if job.Time.Add != addTime {
			continue
		}
		q.drop(job)
		q.order = append(q.order[:i], q.order[i+1:]...)
		q.log.WithField("key", job.Key).Info("job deleted")
		q.saveLogged()
		return true
	}
	return false
}

// List returns persisted-field copies of the history, oldest first.
func (q *Queue) List() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.order))
	for _, job := range q.order {
		out = append(out, job.snapshot())
	}
	return out
}

// snapshot copies job's persisted fields under the queue lock.
func (q *Queue) snapshot(job *Job) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return job.snapshot()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Save evicts the oldest entries beyond the history cap, then writes the
// whole history.
func (q *Queue) Save() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save()
}

func (q *Queue) saveLogged() {
	if err := q.save(); err != nil {
		q.log.WithError(err).Error("failed to persist queue")
	}
}

func (q *Queue) save() error {
	for len(q.order) > q.max {
		head := q.order[0]
		q.drop(head)
		q.order[0] = nil
		q.order = q.order[1:]
		metrics.EvictionsTotal.Inc()
		q.log.WithField("key", head.Key).Debug("job evicted")
	}
	metrics.QueueLength.Set(float64(len(q.order)))

	if q.store == nil {
		return nil
	}
	records := make([]json.RawMessage, 0, len(q.order))
	for _, job := range q.order {
		b, err := json.Marshal(job.snapshot())
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", job.Key, err)
		}
		records = append(records, b)
	}
	if err := q.store.Write(records); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return nil
}

// drop runs cleanup and unlinks job from the keyed index. The caller removes
// it from the ordered sequence.
func (q *Queue) drop(job *Job) {
	q.cleanup(job)
	if q.byKey[job.Key] == job {
		delete(q.byKey, job.Key)
	}
	for _, w := range job.waiters {
		close(w)
	}
	job.waiters = nil
}

// cleanup removes the job's artifacts. A job still being sent keeps its files
// until Done.
func (q *Queue) cleanup(job *Job) {
	if job.dispatching {
		job.evicted = true
		return
	}
	for _, path := range job.Artifacts {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			q.log.WithError(err).WithField("path", path).Warn("failed to remove job artifact")
		}
	}
	job.Artifacts = nil
}

// jobRecord is the persisted shape of a Job. Files is the field name older
// queue files used for the artifact list.
type jobRecord struct {
	Job
	Files []string `json:"files,omitempty"`
}

// Load rebuilds the history from persisted records, replacing any current
// state. Records that cannot be decoded are skipped.
func (q *Queue) Load(raw []json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.byKey = make(map[string]*Job, len(raw))
	q.order = make([]*Job, 0, len(raw))

	for _, r := range raw {
		var rec jobRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			q.log.WithError(err).Warn("skipping unreadable queue record")
			continue
		}
		job := rec.Job
		if len(job.Artifacts) == 0 && len(rec.Files) > 0 {
			job.Artifacts = rec.Files
		}
		if job.Key == "" {
			continue
		}
		if old, exists := q.byKey[job.Key]; exists {
			for i, j := range q.order {
				if j == old {
					q.order[i] = &job
					break
				}
			}
		} else {
			q.order = append(q.order, &job)
		}
		q.byKey[job.Key] = &job
	}
	metrics.QueueLength.Set(float64(len(q.order)))
}

// Restore loads the history from the configured store.
func (q *Queue) Restore() error {
	if q.store == nil {
		return nil
	}
	raw, err := q.store.Read()
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	q.Load(raw)
	q.log.WithField("entries", q.Len()).Info("queue restored")
	return nil
}
