// Package trafficlog records every detector evaluation as a labeled CSV
// row, for building and replaying experiment datasets.
package trafficlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/detection"
)

// Header is the first row of every traffic log.
var Header = []string{
	"timestamp", "detector", "interface", "key", "discriminant",
	"observed_value", "threshold", "label",
}

// Writer appends evaluations to a CSV file. It implements
// detection.Observer and is safe for concurrent use by engine workers.
type Writer struct {
	log  *logrus.Logger
	path string

	mu     sync.Mutex
	file   *os.File
	csv    *csv.Writer
	rows   int64
	failed bool
}

// Open opens path for appending, writing the header when the file is new
// or empty.
func Open(path string, log *logrus.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open traffic log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat traffic log: %w", err)
	}

	w := &Writer{log: log, path: path, file: f, csv: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := w.csv.Write(Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write traffic log header: %w", err)
		}
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("write traffic log header: %w", err)
		}
	}
	log.WithField("path", path).Info("Traffic log opened")
	return w, nil
}

// Observe writes one row. Write errors are logged once and further rows are
// dropped until the writer is reopened.
func (w *Writer) Observe(ev detection.Evaluation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed || w.file == nil {
		return
	}

	row := []string{
		strconv.FormatFloat(ev.Timestamp, 'f', 6, 64),
		ev.Detector,
		ev.Interface,
		ev.Key,
		ev.Discriminant,
		strconv.Itoa(ev.Observed),
		strconv.Itoa(ev.Threshold),
		ev.Label(),
	}
	if err := w.csv.Write(row); err == nil {
		w.csv.Flush()
	}
	if err := w.csv.Error(); err != nil {
		w.failed = true
		w.log.WithError(err).WithField("path", w.path).Error("Traffic log write failed, disabling")
		return
	}
	w.rows++
}

// Rows returns the number of rows written since Open.
func (w *Writer) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.csv.Flush()
	err := w.csv.Error()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}
