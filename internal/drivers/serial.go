package drivers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/orrn/gridlocal/internal/core"
)

const (
	SerialName = "serial"

	defaultBaud = 115200
)

var (
	ErrDeviceBusy = errors.New("device is busy")

	progressRegexp = regexp.MustCompile(`^M73 P([0-9]+)`)
	commentRegexp  = regexp.MustCompile(`;.*`)

	// sent when a running print is cancelled: hotend off, bed off, fan off
	cooldown = []string{"M104 S0", "M140 S0", "M107"}
)

// PortOpener opens a serial line at the given baud rate.
type PortOpener func(name string, baud int) (io.ReadWriteCloser, error)

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// Serial streams G-code to a USB/serial printer one line at a time, waiting
// for the firmware's "ok" before sending the next. Params: "port", "baud".
type Serial struct {
	open PortOpener
	log  *logrus.Entry

	mu    sync.Mutex
	feeds map[string]*feed
	last  map[string]core.DeviceStatus
}

type feed struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	status core.DeviceStatus
}

func (f *feed) setProgress(p float64) {
	f.mu.Lock()
	f.status.Progress = p
	f.mu.Unlock()
}

func (f *feed) snapshot() core.DeviceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func NewSerial() *Serial {
	return NewSerialWith(openSerial)
}

func NewSerialWith(open PortOpener) *Serial {
	return &Serial{
		open:  open,
		feeds: make(map[string]*feed),
		last:  make(map[string]core.DeviceStatus),
	}
}

func (s *Serial) Name() string { return SerialName }

func (s *Serial) Init(env core.Env) error {
	s.log = env.Log
	return nil
}

func (s *Serial) Send(ctx context.Context, dev *core.Device, job *core.Job) error {
	port, err := requireParam(dev, "port")
	if err != nil {
		return err
	}
	data, err := payload(job)
	if err != nil {
		return err
	}
	lines := gcodeLines(data)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f := &feed{
		cancel: cancel,
		status: core.DeviceStatus{State: "printing", Printing: true, Filename: job.Name},
	}
	s.mu.Lock()
	if _, busy := s.feeds[dev.Name]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", dev.Name, ErrDeviceBusy)
	}
	s.feeds[dev.Name] = f
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"device": dev.Name, "port": port, "name": job.Name})
	err = s.feed(ctx, port, dev.IntParam("baud", defaultBaud), lines, f, log)

	final := core.DeviceStatus{State: "ready", Progress: 100, Filename: job.Name}
	if err != nil {
		final = core.DeviceStatus{State: "error", Progress: f.snapshot().Progress, Filename: job.Name}
	}
	s.mu.Lock()
	delete(s.feeds, dev.Name)
	s.last[dev.Name] = final
	s.mu.Unlock()

	return err
}

func (s *Serial) feed(ctx context.Context, port string, baud int, lines []string, f *feed, log *logrus.Entry) error {
	tty, err := s.open(port, baud)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", port, err)
	}
	defer tty.Close()

	acks := make(chan error)
	go readAcks(ctx, tty, acks, log)

	w := bufio.NewWriter(tty)
	reported := false
	for i, line := range lines {
		log.WithField("line", line).Debug("writing")
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write: %w", err)
		}

		select {
		case err := <-acks:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			writeCooldown(w, log)
			return ctx.Err()
		}

		if m := progressRegexp.FindStringSubmatch(line); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil {
				reported = true
				f.setProgress(float64(p))
			}
		} else if !reported {
			f.setProgress(float64(i+1) * 100 / float64(len(lines)))
		}
	}
	log.WithField("lines", len(lines)).Info("job streamed")
	return nil
}

// readAcks forwards one value per firmware acknowledgement: nil for "ok",
// an error for a firmware error or a broken line.
func readAcks(ctx context.Context, r io.Reader, acks chan<- error, log *logrus.Entry) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		log.WithField("line", line).Debug("reading")

		var ack error
		switch {
		case strings.HasPrefix(line, "ok"):
		case strings.HasPrefix(line, "Error") || strings.HasPrefix(line, "!!"):
			ack = fmt.Errorf("printer: %s", line)
		default:
			continue
		}
		select {
		case acks <- ack:
		case <-ctx.Done():
			return
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case acks <- fmt.Errorf("read: %w", err):
	case <-ctx.Done():
	}
}

func writeCooldown(w *bufio.Writer, log *logrus.Entry) {
	for _, cmd := range cooldown {
		if _, err := w.WriteString(cmd + "\n"); err != nil {
			log.WithError(err).Error("error writing cancellation instructions")
			return
		}
	}
	if err := w.Flush(); err != nil {
		log.WithError(err).Error("error flushing cancellation instructions")
	}
}

// gcodeLines strips comments and blank lines.
func gcodeLines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(commentRegexp.ReplaceAllString(sc.Text(), ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Status reports the running feed, or the outcome of the last one while the
// port is present.
func (s *Serial) Status(ctx context.Context, dev *core.Device) (core.DeviceStatus, error) {
	s.mu.Lock()
	f, active := s.feeds[dev.Name]
	last, seen := s.last[dev.Name]
	s.mu.Unlock()

	if active {
		return f.snapshot(), nil
	}

	port, err := requireParam(dev, "port")
	if err != nil {
		return core.DeviceStatus{}, err
	}
	if _, err := os.Stat(port); err != nil {
		return core.DeviceStatus{}, fmt.Errorf("port %s: %w", port, err)
	}
	if seen {
		return last, nil
	}
	return core.DeviceStatus{State: "ready"}, nil
}

// Cancel aborts the running feed, if any, and cools the printer down.
func (s *Serial) Cancel(ctx context.Context, dev *core.Device) error {
	s.mu.Lock()
	f, ok := s.feeds[dev.Name]
	s.mu.Unlock()
	if ok {
		s.log.WithField("device", dev.Name).Info("cancelling print")
		f.cancel()
	}
	return nil
}
