package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
	output     = &switchWriter{w: os.Stdout}
)

// switchWriter lets tests redirect the shared logger without rebuilding it.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Logger returns the shared structured JSON logger used across the service.
func Logger() *zerolog.Logger {
	loggerOnce.Do(func() {
		zerolog.TimestampFieldName = "ts"
		zerolog.MessageFieldName = "msg"
		zerolog.TimeFieldFormat = "2006-01-02T15:04:05.999999999Z07:00"
		logger = zerolog.New(output).With().Timestamp().Logger()
	})
	return &logger
}

// SetOutput redirects log lines to w and returns a function restoring the previous writer.
func SetOutput(w io.Writer) (restore func()) {
	output.mu.Lock()
	prev := output.w
	output.w = w
	output.mu.Unlock()
	return func() {
		output.mu.Lock()
		output.w = prev
		output.mu.Unlock()
	}
}

// SetLevel sets the global minimum level; unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// LogRequest emits a structured log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	Logger().Info().Fields(entry).Msg("request_complete")
}
