package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Config selects level and output format for every named logger.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
	Color  bool   `yaml:"color"`
}

var DefaultConfig = Config{
	Level:  "info",
	Format: "console",
}

var (
	mu      sync.Mutex
	current = DefaultConfig
	loggers = make(map[string]*Handle)
)

var writer io.Writer = os.Stderr

// Handle is a named logger. Components hold one per package.
type Handle struct {
	*zerolog.Logger

	name string
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Infof(msg string, args ...any) {
	h.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (h *Handle) Warnf(msg string, args ...any) {
	h.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (h *Handle) Errorf(msg string, args ...any) {
	h.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (h *Handle) Debugf(msg string, args ...any) {
	h.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

// E logs err and reports whether it was non-nil.
func (h *Handle) E(err error) bool {
	if err == nil {
		return false
	}
	h.Error().CallerSkipFrame(1).Msg(err.Error())
	return true
}

// GetLogger returns the logger registered under name, creating it with the
// current configuration on first use.
func GetLogger(name string) *Handle {
	mu.Lock()
	defer mu.Unlock()

	l, ok := loggers[name]
	if !ok {
		l = newHandle(current, name, writer)
		loggers[name] = l
	}
	return l
}

// Configure applies cfg to every existing and future logger.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	current = cfg
	for _, l := range loggers {
		nl := newHandle(cfg, l.name, writer)
		*l.Logger = *nl.Logger
	}
}

// SetOutput redirects all loggers to w. Tests use it to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	writer = w
	cfg := current
	for _, l := range loggers {
		nl := newHandle(cfg, l.name, w)
		*l.Logger = *nl.Logger
	}
	mu.Unlock()
}

// Nop returns a logger that discards everything.
func Nop() *Handle {
	l := zerolog.Nop()
	return &Handle{Logger: &l, name: "nop"}
}

func formatCaller(i any, module string) string {
	c, _ := i.(string)
	if c == "" {
		return module
	}
	parts := strings.Split(c, "/")
	if len(parts) == 1 {
		return module + " " + parts[0]
	}
	return module + " " + parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

func newHandle(cfg Config, module string, w io.Writer) *Handle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		if cfg.Level != "" {
			_, _ = fmt.Fprintf(os.Stderr, "unknown log level %q, defaulting to info\n", cfg.Level)
		}
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(w).Level(lvl).With().Timestamp().Str("module", module).Logger()
	} else {
		out := zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.TimeOnly,
			NoColor:    !cfg.Color,
			FormatCaller: func(i any) string {
				return formatCaller(i, module)
			},
		}
		logger = zerolog.New(out).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Logger()
	}
	return &Handle{Logger: &logger, name: module}
}
