// Package logging provides the relay log backend, based around the
// go-logging package.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	gologging "gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a leveled log backend that hands out per-module loggers.
type Backend struct {
	sync.RWMutex

	leveled gologging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   string
	disable bool
}

// New initializes a logging backend writing to file, or stdout when file is
// empty. disable discards all output.
func New(file, level string, disable bool) (*Backend, error) {
	b := &Backend{
		file:    file,
		level:   level,
		disable: disable,
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *gologging.Logger {
	l := gologging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Log implements gologging.Backend.
func (b *Backend) Log(level gologging.Level, calldepth int, record *gologging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.Log(level, calldepth+1, record)
}

// GetLevel implements gologging.Leveled.
func (b *Backend) GetLevel(module string) gologging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel implements gologging.Leveled.
func (b *Backend) SetLevel(level gologging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor implements gologging.Leveled.
func (b *Backend) IsEnabledFor(level gologging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// Rotate reopens the log file, for use from a SIGHUP handler.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

// Close releases the log file.
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	return b.w.Close()
}

func (b *Backend) open() error {
	lvl, err := levelFromString(b.level)
	if err != nil {
		return err
	}

	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("logging: open log file: %w", err)
		}
		b.w = f
	}

	base := gologging.NewLogBackend(b.w, "", 0)
	formatted := gologging.NewBackendFormatter(base, gologging.MustStringFormatter(logFormat))
	b.leveled = gologging.AddModuleLevel(formatted)
	b.leveled.SetLevel(lvl, "")
	return nil
}

func levelFromString(level string) (gologging.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return gologging.ERROR, nil
	case "WARNING":
		return gologging.WARNING, nil
	case "NOTICE":
		return gologging.NOTICE, nil
	case "INFO", "":
		return gologging.INFO, nil
	case "DEBUG":
		return gologging.DEBUG, nil
	default:
		return -1, fmt.Errorf("logging: invalid level %q", level)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
