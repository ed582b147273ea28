package progress

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures NewLogger
type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	JSON       bool
	Console    io.Writer
}

// NewLogger builds the process logger. Console output is human readable unless
// JSON is set; a non-empty File adds a rotating JSON log.
func NewLogger(opts LogOptions) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, file)
		closer = file
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LogSink forwards progress signals to a zerolog logger
type LogSink struct {
	logger zerolog.Logger

	mu    sync.Mutex
	steps []Step
}

// NewLogSink tags every entry with the component name
func NewLogSink(logger zerolog.Logger, component string) *LogSink {
	return &LogSink{logger: logger.With().Str("component", component).Logger()}
}

// WithRun returns a sink whose entries carry the run id
func (s *LogSink) WithRun(id string) *LogSink {
	return &LogSink{logger: s.logger.With().Str("run", id).Logger()}
}

// Logger exposes the underlying logger
func (s *LogSink) Logger() *zerolog.Logger { return &s.logger }

func (s *LogSink) LogMessage(text string) {
	s.logger.Info().Msg(text)
}

func (s *LogSink) ReportError(text string) {
	s.logger.Error().Msg(text)
}

func (s *LogSink) BeginStep(step Step) {
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
	s.logger.Info().Str("step", string(step)).Msg("step started")
}

func (s *LogSink) MarkStepDone() {
	if step, ok := s.pop(); ok {
		s.logger.Info().Str("step", string(step)).Msg("step done")
	}
}

func (s *LogSink) MarkStepFailed() {
	if step, ok := s.pop(); ok {
		s.logger.Warn().Str("step", string(step)).Msg("step failed")
	}
}

func (s *LogSink) ReportBatch(done, total int) {
	s.logger.Debug().Int("done", done).Int("total", total).Msg("batch finished")
}

func (s *LogSink) pop() (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return "", false
	}
	step := s.steps[len(s.steps)-1]
	s.steps = s.steps[:len(s.steps)-1]
	return step, true
}
