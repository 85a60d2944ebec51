// Package logsink receives structured records and per-phase output streams
// from the core. Implementations must be safe for concurrent writers.
package logsink

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fcanata00/orquestrator/internal/fslayout"
)

// Record is one structured log entry.
type Record struct {
	Level     string
	Timestamp time.Time
	Pkg       string
	Phase     string
	Message   string
}

// Sink accepts structured records and hands out raw byte streams per
// (package, phase).
type Sink interface {
	Record(r Record)
	Stream(pkg, phase string) (io.WriteCloser, error)
}

// Discard drops records and streams; used by tests.
type Discard struct{}

func (Discard) Record(Record) {}

func (Discard) Stream(pkg, phase string) (io.WriteCloser, error) {
	return nopCloser{io.Discard}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// FileSink writes structured records as JSON lines to
// <root>/logs/orquestrator.log and phase streams to
// <root>/logs/<pkg>/<phase>.log.
type FileSink struct {
	Layout *fslayout.Layout

	logger *logrus.Logger

	mu sync.Mutex
}

func NewFileSink(layout *fslayout.Layout) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(layout.OrchestratorLog()), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(layout.OrchestratorLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.Out = f
	logger.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	logger.Level = logrus.DebugLevel
	return &FileSink{Layout: layout, logger: logger}, nil
}

func (s *FileSink) Record(r Record) {
	entry := s.logger.WithFields(logrus.Fields{})
	if r.Pkg != "" {
		entry = entry.WithField("pkg", r.Pkg)
	}
	if r.Phase != "" {
		entry = entry.WithField("phase", r.Phase)
	}
	if !r.Timestamp.IsZero() {
		entry = entry.WithTime(r.Timestamp)
	}
	switch r.Level {
	case "debug":
		entry.Debug(r.Message)
	case "warn", "warning":
		entry.Warn(r.Message)
	case "error":
		entry.Error(r.Message)
	default:
		entry.Info(r.Message)
	}
}

// Stream opens (append) the phase log for pkg. Callers own the returned
// writer; separate streams of the same phase may interleave at line
// granularity only.
func (s *FileSink) Stream(pkg, phase string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.Layout.LogDir(pkg)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(s.Layout.PhaseLog(pkg, phase), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}
