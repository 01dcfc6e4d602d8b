// Package logging provides structured logging for the gateway, built on zerolog.
// It replaces the hand-rolled console logger the proxy historically used, keeping
// the same diagnostics-surface idea (a bounded history ring buffer with listener
// fan-out for a live log view) as a zerolog hook instead of bespoke formatting.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a structured log record retained in the history ring buffer.
type Entry struct {
	Time      time.Time         `json:"time"`
	Level     string            `json:"level"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Listener receives every entry as it is recorded.
type Listener func(Entry)

// historyHook is a zerolog.Hook that mirrors every log event into a bounded
// ring buffer and fans it out to subscribers, outside of any write lock.
type historyHook struct {
	mu         sync.Mutex
	history    []Entry
	maxHistory int
	listeners  []Listener
}

func newHistoryHook(maxHistory int) *historyHook {
	return &historyHook{
		history:    make([]Entry, 0, maxHistory),
		maxHistory: maxHistory,
	}
}

// Run implements zerolog.Hook. zerolog calls this synchronously before the
// event is written, so we keep the work here to an append under lock.
func (h *historyHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	entry := Entry{
		Time:    time.Now().UTC(),
		Level:   level.String(),
		Message: msg,
	}

	h.mu.Lock()
	h.history = append(h.history, entry)
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}
	listeners := make([]Listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, l := range listeners {
		l(entry)
	}
}

func (h *historyHook) addListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *historyHook) snapshot() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.history))
	copy(out, h.history)
	return out
}

// Manager owns the process-wide logger, its history hook, and per-component
// child loggers. One Manager is created at startup; component loggers are
// cheap child derivations (`logger.With().Str("component", name).Logger()`).
type Manager struct {
	base *zerolog.Logger
	hook *historyHook
}

// Config controls how the root logger is constructed.
type Config struct {
	Level  string // "debug", "info", "warn", "error"; defaults to "info"
	Format string // "json" selects JSON output; any other value, "" included, selects the console writer
	Output io.Writer
}

// New builds a Manager from Config. It never fails: an unparseable level
// falls back to info and is itself logged as a warning once the logger exists.
func New(cfg Config) *Manager {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	writer := out
	if cfg.Format != "json" {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	hook := newHistoryHook(1000)
	base := zerolog.New(writer).Level(level).Hook(hook).With().Timestamp().Logger()

	if err != nil && cfg.Level != "" {
		base.Warn().Str("requested_level", cfg.Level).Msg("unrecognized log level, defaulting to info")
	}

	return &Manager{base: &base, hook: hook}
}

// For returns a child logger tagged with a component field, mirroring the
// proxy's historical "[ComponentName] message" prefixing convention.
func (m *Manager) For(component string) zerolog.Logger {
	return m.base.With().Str("component", component).Logger()
}

// AddListener subscribes to every log entry as it is recorded.
func (m *Manager) AddListener(l Listener) {
	m.hook.addListener(l)
}

// History returns a snapshot of the retained log ring buffer.
func (m *Manager) History() []Entry {
	return m.hook.snapshot()
}

// global is the process-wide Manager, created once via Init and read via Get.
var (
	global     *Manager
	globalOnce sync.Once
)

// Init installs the process-wide logger. Safe to call once at startup;
// subsequent calls are no-ops so tests can call Init with defaults freely.
func Init(cfg Config) *Manager {
	globalOnce.Do(func() {
		global = New(cfg)
	})
	return global
}

// Get returns the process-wide logger, initializing it with defaults if
// Init was never called (keeps library code that logs before main() safe).
func Get() *Manager {
	globalOnce.Do(func() {
		global = New(Config{})
	})
	return global
}

// For is a convenience wrapper around Get().For(component).
func For(component string) zerolog.Logger {
	return Get().For(component)
}
