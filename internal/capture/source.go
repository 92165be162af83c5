package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/invisible-tech/netsentry/internal/types"
)

var (
	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_capture_records_total",
			Help: "Field records parsed by interface",
		},
		[]string{"interface"},
	)
	malformedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_capture_malformed_total",
			Help: "Field records skipped as malformed by interface",
		},
		[]string{"interface"},
	)
)

func init() {
	prometheus.MustRegister(recordsTotal)
	prometheus.MustRegister(malformedTotal)
}

// maxRecordSize bounds one field record.
const maxRecordSize = 64 * 1024

var errRecordTooLong = fmt.Errorf("%w: record longer than %d bytes", ErrMalformed, maxRecordSize)

// Source produces events until its input ends or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, out chan<- *types.Event) error
}

// scanner parses a record stream, counting and throttling warnings for
// malformed lines.
type scanner struct {
	parser  Parser
	log     *logrus.Logger
	limiter *rate.Limiter
	skipped int
}

func newScanner(iface string, log *logrus.Logger) *scanner {
	return &scanner{
		parser:  Parser{Interface: iface},
		log:     log,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// readRecord returns the next line without its terminator. A line longer
// than maxRecordSize is consumed through its newline and reported as
// errRecordTooLong, leaving br at the start of the following record.
func readRecord(br *bufio.Reader, buf []byte) ([]byte, error) {
	buf = buf[:0]
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(bytes.TrimRight(buf, "\r\n")) > maxRecordSize {
				tooLong = true
				buf = buf[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, errRecordTooLong
		}
		if err != nil && !(errors.Is(err, io.EOF) && len(buf) > 0) {
			return nil, err
		}
		return bytes.TrimRight(buf, "\r\n"), nil
	}
}

func (s *scanner) malformed(counter prometheus.Counter, err error) {
	counter.Inc()
	s.skipped++
	if s.limiter.Allow() {
		s.log.WithError(err).WithFields(logrus.Fields{
			"interface": s.parser.Interface,
			"skipped":   s.skipped,
		}).Warn("Skipping malformed capture record")
		s.skipped = 0
	}
}

// scan reads r to EOF. Once ctx is done, records are read and discarded so
// the writer never blocks.
func (s *scanner) scan(ctx context.Context, r io.Reader, out chan<- *types.Event) error {
	br := bufio.NewReaderSize(r, 4096)

	iface := s.parser.Interface
	records := recordsTotal.WithLabelValues(iface)
	malformed := malformedTotal.WithLabelValues(iface)

	var buf []byte
	for {
		rec, err := readRecord(br, buf)
		switch {
		case errors.Is(err, errRecordTooLong):
			s.malformed(malformed, err)
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		buf = rec
		if len(rec) == 0 {
			continue
		}
		ev, err := s.parser.Parse(string(rec))
		if err != nil {
			s.malformed(malformed, err)
			continue
		}
		records.Inc()

		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
}

// Reader reads recorded field records from R.
type Reader struct {
	R         io.Reader
	Interface string
	Log       *logrus.Logger
}

// Run parses R until EOF or ctx is cancelled.
func (r *Reader) Run(ctx context.Context, out chan<- *types.Event) error {
	if err := newScanner(r.Interface, r.Log).scan(ctx, r.R, out); err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	return nil
}

type merged struct {
	sources []Source
}

// Merge runs sources concurrently into one channel. The first failure
// cancels the rest and is returned.
func Merge(sources ...Source) Source {
	if len(sources) == 1 {
		return sources[0]
	}
	return &merged{sources: sources}
}

func (m *merged) Run(ctx context.Context, out chan<- *types.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, src := range m.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(src)
	}
	wg.Wait()
	return firstErr
}
