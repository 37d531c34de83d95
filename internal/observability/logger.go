package observability

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger writes one JSON object per event: timestamp, level, message and the
// caller-supplied fields.
type Logger struct {
	base *logrus.Logger
}

func NewLogger(level string) *Logger {
	return NewLoggerTo(os.Stdout, level)
}

func NewLoggerTo(out io.Writer, level string) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	return &Logger{base: base}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.base.WithFields(fields).Debug(message)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.WithFields(fields).Info(message)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.WithFields(fields).Warn(message)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.WithFields(fields).Error(message)
}
