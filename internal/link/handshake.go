package link

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Handshake describes the wake sequence run by Connect.
type Handshake struct {
	// Wake is sent to provoke a prompt.
	Wake string `yaml:"wake" json:"wake"`
	// Prompt is the iceboot prompt expected after each wake.
	Prompt string `yaml:"prompt" json:"prompt"`
	// ConfigBootPrompt, if set, is recognised on the first wake; the device
	// is then moved to iceboot with ConfigBootExit before continuing.
	ConfigBootPrompt string `yaml:"configboot_prompt" json:"configbootPrompt"`
	ConfigBootExit   string `yaml:"configboot_exit" json:"configbootExit"`
	// Count is how many times the prompt must be seen.
	Count int `yaml:"count" json:"count"`
	// TimeoutMs bounds the whole handshake.
	TimeoutMs int `yaml:"timeout_ms" json:"timeoutMs"`
}

// DefaultHandshake returns the iceboot wake sequence.
func DefaultHandshake() Handshake {
	return Handshake{
		Wake:             "\r\n",
		Prompt:           ">",
		ConfigBootPrompt: "#",
		ConfigBootExit:   "r\r\n",
		Count:            2,
		TimeoutMs:        5000,
	}
}

func (h Handshake) timeout() time.Duration {
	if h.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// Connect runs the wake handshake in a separate goroutine under a watchdog.
// If the device does not answer within the budget the link is closed, the
// handshake goroutine is abandoned and ErrConnectTimeout is returned.
func (l *Link) Connect(ctx context.Context, hs Handshake) error {
	if hs.Count <= 0 {
		hs.Count = 1
	}
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- l.handshake(hctx, hs)
	}()

	watchdog := time.NewTimer(hs.timeout())
	defer watchdog.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("connect %s: %w", l.name, err)
		}
		log.Printf("[link] %s: device at prompt", l.name)
		return nil
	case <-watchdog.C:
		cancel()
		l.Close()
		return fmt.Errorf("%w: %s after %v", ErrConnectTimeout, l.name, hs.timeout())
	case <-ctx.Done():
		cancel()
		l.Close()
		return ctx.Err()
	}
}

func (l *Link) handshake(ctx context.Context, hs Handshake) error {
	terms := []string{hs.Prompt}
	if hs.ConfigBootPrompt != "" {
		terms = append(terms, hs.ConfigBootPrompt)
	}

	for i := 0; i < hs.Count; i++ {
		if err := l.Send(hs.Wake); err != nil {
			return err
		}
		text, idx, err := l.ReceiveAny(ctx, 0, terms...)
		if err != nil {
			return err
		}
		if idx == 1 {
			log.Printf("[link] %s: configboot prompt seen (%q), switching to iceboot", l.name, strings.TrimSpace(text))
			if err := l.Send(hs.ConfigBootExit); err != nil {
				return err
			}
			if _, err := l.Receive(ctx, hs.Prompt); err != nil {
				return err
			}
			terms = terms[:1]
		}
	}
	return nil
}
