package injection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.design/x/clipboard"

	"github.com/pttdictation/dictation-gateway/internal/resilience"
)

// ClipboardInjector places text on the system clipboard for the desktop user
// to paste. Keystroke synthesis is left to the desktop.
type ClipboardInjector struct {
	initOnce sync.Once
	initErr  error

	// serializes write and read-back
	mu sync.Mutex

	// hooks replaced in tests
	init  func() error
	write func(data []byte)
	read  func() []byte
}

// NewClipboardInjector creates an injector bound to the system clipboard. The
// clipboard is initialized on first use.
func NewClipboardInjector() *ClipboardInjector {
	return &ClipboardInjector{
		init: clipboard.Init,
		write: func(data []byte) {
			clipboard.Write(clipboard.FmtText, data)
		},
		read: func() []byte {
			return clipboard.Read(clipboard.FmtText)
		},
	}
}

// Init initializes the clipboard once and reports whether it is usable
func (c *ClipboardInjector) Init() error {
	c.initOnce.Do(func() {
		if err := c.init(); err != nil {
			c.initErr = fmt.Errorf("failed to initialize clipboard: %w", err)
		}
	})
	return c.initErr
}

func (c *ClipboardInjector) Inject(ctx context.Context, text string) error {
	if err := c.Init(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data := []byte(text)
	c.write(data)

	// Another process may take the clipboard between write and read
	if got := c.read(); !bytes.Equal(got, data) {
		return resilience.NewRetryableError(errors.New("clipboard content changed after write"))
	}
	return nil
}
