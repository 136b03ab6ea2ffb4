// Package logging builds the zap loggers used throughout mazos.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string
	// Format is "console" or "json".
	Format string
	// Output receives encoded entries. Nil means stderr.
	Output io.Writer
}

// New returns a logger writing to opts.Output.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch opts.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	return zap.New(core), nil
}

// Deferred is a writer whose destination is bound after the logger has
// been built. Bytes written before Bind are held and flushed into the
// destination when it is bound.
type Deferred struct {
	mu   sync.Mutex
	dst  io.Writer
	held bytes.Buffer
}

func (d *Deferred) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dst == nil {
		return d.held.Write(p)
	}
	return d.dst.Write(p)
}

// Bind sets the destination and flushes anything held.
func (d *Deferred) Bind(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dst = w
	if d.held.Len() == 0 {
		return nil
	}
	_, err := d.held.WriteTo(w)
	return err
}

// Sync implements zapcore.WriteSyncer.
func (d *Deferred) Sync() error { return nil }
