// Package credential renders pairing codes for the operator: as a QR code
// in the terminal, and as the latest code kept for the HTTP endpoint.
package credential

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mdp/qrterminal"
	"rsc.io/qr"
)

// Display consumes pairing codes.
type Display interface {
	Show(code string)
	Clear()
}

// Terminal prints each code as a half-block QR code.
type Terminal struct {
	w  io.Writer
	mu sync.Mutex
}

func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Show(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, "Scan this QR code with WhatsApp (Linked Devices):")
	qrterminal.GenerateHalfBlock(code, qrterminal.M, t.w)
}

func (t *Terminal) Clear() {}

// Holder keeps the most recent code until it is cleared.
type Holder struct {
	mu        sync.RWMutex
	code      string
	updatedAt time.Time
}

func NewHolder() *Holder { return &Holder{} }

func (h *Holder) Show(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.code = code
	h.updatedAt = time.Now()
}

func (h *Holder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.code = ""
	h.updatedAt = time.Now()
}

// Latest returns the current code, if any.
func (h *Holder) Latest() (string, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.code, h.updatedAt, h.code != ""
}

// PNG encodes the current code as a QR image.
func (h *Holder) PNG() ([]byte, bool, error) {
	code, _, ok := h.Latest()
	if !ok {
		return nil, false, nil
	}
	c, err := qr.Encode(code, qr.M)
	if err != nil {
		return nil, true, fmt.Errorf("encode qr: %w", err)
	}
	return c.PNG(), true, nil
}

// Multi fans every call out to all displays.
type Multi []Display

func (m Multi) Show(code string) {
	for _, d := range m {
		d.Show(code)
	}
}

func (m Multi) Clear() {
	for _, d := range m {
		d.Clear()
	}
}
