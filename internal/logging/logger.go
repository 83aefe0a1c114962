package logging

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu     sync.RWMutex
	logger hclog.Logger
)

// Options configures the process wide logger
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer
}

// Setup builds the process wide logger from options and installs it
func Setup(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	name := opts.Name
	if name == "" {
		name = "replicator"
	}
	l := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(opts.Level),
		Output:     out,
		JSONFormat: opts.JSON,
	})
	SetLogger(l)
	return l
}

// SetLogger sets the global logger
func SetLogger(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// GetLogger returns the global logger, creating a default one on first use
func GetLogger() hclog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	return Setup(Options{Level: "info"})
}

// OrDefault returns l, or the global logger when l is nil
func OrDefault(l hclog.Logger, name string) hclog.Logger {
	if l != nil {
		return l
	}
	return GetLogger().Named(name)
}
