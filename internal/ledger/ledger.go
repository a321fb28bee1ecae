// Package ledger persists test runs to the summary CSV. A single goroutine
// owns the file; device workers hand it runs over a channel.
package ledger

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/Mona-YWC/Solidigm-Performance-Testing-Tool/internal/model"
)

// Header is the first row of every ledger file.
var Header = []string{"Device", "Test Name", "Bandwidth", "IOPS", "IO Depth", "Num Jobs", "IO Engine", "Runtime"}

// Unparsed fills the metric columns of a run whose output could not be parsed.
const Unparsed = "UNPARSED"

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ledger closed")

// Sink accepts finished runs.
type Sink interface {
	Submit(ctx context.Context, run model.TestRun) error
}

type request struct {
	run  model.TestRun
	errc chan error
}

// Writer is the single writer of a ledger file.
type Writer struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against in-flight Submits
	closed bool
	in     chan request
	done   chan struct{}

	file *os.File
	csv  *csv.Writer

	runsMu sync.Mutex
	runs   []model.TestRun
	err    error
}

// Open appends to the ledger at path, writing the header when the file
// is new or empty, and starts the writer goroutine.
func Open(path string, logger *slog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening ledger")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "opening ledger")
	}
	w := &Writer{
		path:   path,
		logger: logger,
		in:     make(chan request),
		done:   make(chan struct{}),
		file:   f,
		csv:    csv.NewWriter(f),
	}
	if st.Size() == 0 {
		if err := w.writeRow(Header); err != nil {
			f.Close()
			return nil, err
		}
	}
	go w.loop()
	return w, nil
}

// Path returns the ledger file path.
func (w *Writer) Path() string { return w.path }

// Submit hands a run to the writer and waits until it is stored. Every run
// is kept for the summary; only recorded runs reach the file.
func (w *Writer) Submit(ctx context.Context, run model.TestRun) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	req := request{run: run, errc: make(chan error, 1)}
	select {
	case w.in <- req:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "submitting test run")
	}
	return <-req.errc
}

func (w *Writer) loop() {
	defer close(w.done)
	for req := range w.in {
		req.errc <- w.store(req.run)
	}
}

func (w *Writer) store(run model.TestRun) error {
	w.runsMu.Lock()
	w.runs = append(w.runs, run)
	w.runsMu.Unlock()

	if !run.Recorded() {
		return nil
	}
	if err := w.writeRow(Row(run)); err != nil {
		w.logger.Error("ledger write failed", "device", run.Device, "test", run.TestName, "error", err)
		if w.err == nil {
			w.err = err
		}
		return err
	}
	return nil
}

func (w *Writer) writeRow(row []string) error {
	if err := w.csv.Write(row); err != nil {
		return errors.Wrapf(err, "writing %s", w.path)
	}
	w.csv.Flush()
	return errors.Wrapf(w.csv.Error(), "writing %s", w.path)
}

// Runs returns every run submitted so far, in arrival order.
func (w *Writer) Runs() []model.TestRun {
	w.runsMu.Lock()
	defer w.runsMu.Unlock()
	return append([]model.TestRun(nil), w.runs...)
}

// Close waits for in-flight submissions, stops the writer and closes the
// file. It returns the first write error seen.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.in)
	w.mu.Unlock()

	<-w.done
	if err := w.file.Close(); err != nil && w.err == nil {
		w.err = errors.Wrap(err, "closing ledger")
	}
	return w.err
}

// Row renders a run as a ledger row.
func Row(run model.TestRun) []string {
	bw, iops := run.BandwidthString(), strconv.FormatInt(run.IOPS, 10)
	if !run.OK {
		bw, iops = Unparsed, Unparsed
	}
	return []string{
		run.Device,
		run.TestName,
		bw,
		iops,
		strconv.Itoa(run.IODepth),
		strconv.Itoa(run.NumJobs),
		run.IOEngine,
		run.Runtime,
	}
}
