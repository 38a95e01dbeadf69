// Package logger provides the structured logger shared by every yieldvault component.
// It is a thin layer over logrus so that components can attach fields the same way
// regardless of where the output ends up.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string    `yaml:"level"`
	Format string    `yaml:"format"` // json|text
	Output io.Writer `yaml:"-"`
}

// Logger is a component-scoped logrus entry.
type Logger struct {
	*logrus.Entry
}

// New builds a logger from configuration.
func New(cfg Config) *Logger {
	base := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base.SetOutput(out)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{Entry: logrus.NewEntry(base)}
}

// NewDefault returns an info-level JSON logger tagged with a component name.
func NewDefault(component string) *Logger {
	return New(Config{Level: "info"}).Component(component)
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() *Logger {
	return New(Config{Output: io.Discard, Level: "panic"})
}

// Component derives a logger carrying the component field.
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return NewDefault(name)
	}
	return &Logger{Entry: l.Entry.WithField("component", name)}
}

// With derives a logger carrying an additional field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}
