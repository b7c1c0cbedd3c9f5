package alerts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink receives complete alert records. The core never awaits downstream
// fan-out; implementations own their own delivery.
type Sink interface {
	Accept(ctx context.Context, record Record) error
}

// FileSink writes each alert as its own JSON file under a directory, using
// the conventional naming scheme. Writes are atomic (temp file + rename).
type FileSink struct {
	dir    string
	logger zerolog.Logger
}

// NewFileSink creates the sink, making the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alert dir: %w", err)
	}
	return &FileSink{
		dir:    dir,
		logger: log.With().Str("component", "alert-file-sink").Logger(),
	}, nil
}

func (s *FileSink) Accept(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := record.Marshal()
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, record.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write alert file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to place alert file: %w", err)
	}

	s.logger.Debug().Str("path", path).Msg("Alert written")
	return nil
}

// LogSink emits alerts as structured log events. Useful as a default sink and
// in development.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates the sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "alert-log-sink").Logger()}
}

func (s *LogSink) Accept(ctx context.Context, record Record) error {
	s.logger.Info().
		Str("kind", string(record.Kind)).
		Str("asset", string(record.Asset)).
		Int64("timestamp", record.Timestamp).
		RawJSON("payload", record.Payload).
		Msg("Alert")
	return nil
}

// MultiSink fans an alert out to several sinks; delivery stops at the first
// failure so the caller sees it.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Accept(ctx context.Context, record Record) error {
	for _, sink := range s.sinks {
		if err := sink.Accept(ctx, record); err != nil {
			return err
		}
	}
	return nil
}
