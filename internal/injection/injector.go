package injection

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pttdictation/dictation-gateway/internal/observability"
)

// ErrEmptyText is returned when there is nothing to inject
var ErrEmptyText = errors.New("empty text")

// TextInjector delivers recognized text to the desktop. Implementations must
// be safe for concurrent use.
type TextInjector interface {
	Inject(ctx context.Context, text string) error
}

// InjectorFunc adapts a function to a TextInjector
type InjectorFunc func(ctx context.Context, text string) error

func (f InjectorFunc) Inject(ctx context.Context, text string) error {
	return f(ctx, text)
}

// NopInjector accepts and discards text
type NopInjector struct{}

func (NopInjector) Inject(context.Context, string) error { return nil }

// LogInjector writes the text to the log instead of the desktop, for headless
// deployments.
type LogInjector struct {
	logger zerolog.Logger
}

// NewLogInjector creates a LogInjector
func NewLogInjector(logger zerolog.Logger) *LogInjector {
	return &LogInjector{logger: observability.WithComponent(logger, "injector")}
}

func (l *LogInjector) Inject(_ context.Context, text string) error {
	l.logger.Info().Str("text", text).Msg("Injected text")
	return nil
}

// Recorder stores injected text. Setting Err makes every call fail. It is
// meant for tests.
type Recorder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

// NewFailingRecorder returns a Recorder whose Inject always returns err
func NewFailingRecorder(err error) *Recorder {
	return &Recorder{err: err}
}

func (r *Recorder) Inject(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

// Texts returns every text passed to Inject, including failed calls
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.texts))
	copy(out, r.texts)
	return out
}

// SetErr changes the error returned by later calls
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}
