// Package clipboard writes script-supplied text to the system clipboard.
package clipboard

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
)

// Payload is the SetClipboard command data. Type is a MIME type; only text
// types can reach the system clipboard.
type Payload struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

var writeAll = clipboard.WriteAll

var ErrUnsupported = errors.New("clipboard: no system clipboard available")

type Writer struct{}

func New() *Writer { return &Writer{} }

// Set writes p.Data to the clipboard.
func (w *Writer) Set(p Payload) error {
	if t := strings.ToLower(strings.TrimSpace(p.Type)); t != "" && !strings.HasPrefix(t, "text/") {
		return fmt.Errorf("clipboard: unsupported type %q", p.Type)
	}
	if clipboard.Unsupported {
		return ErrUnsupported
	}
	if err := writeAll(p.Data); err != nil {
		if missingDisplay() {
			return fmt.Errorf("%w (DISPLAY/WAYLAND_DISPLAY unset): %v", ErrUnsupported, err)
		}
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

func missingDisplay() bool {
	return strings.TrimSpace(os.Getenv("DISPLAY")) == "" && strings.TrimSpace(os.Getenv("WAYLAND_DISPLAY")) == ""
}
