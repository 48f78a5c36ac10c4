package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Conn is the part of a link the capture loop needs.
type Conn interface {
	Send(text string) error
	Receive(ctx context.Context, terminator string) (string, error)
}

// Run reads lines from conn, feeds them to m and sends the answers it asks
// for, until the device reports the session is over.
//
// A capture that fails its checksum is returned together with
// ErrChecksumMismatchExhausted (or ErrIncomplete); the Result log is valid
// either way. Any other error comes from the transport or ctx and means the
// session was lost.
func Run(ctx context.Context, conn Conn, m *Machine) (Result, error) {
	term := m.Config().LineTerminator
	for {
		line, err := conn.Receive(ctx, term)
		if err != nil {
			return m.Result(), fmt.Errorf("capture: receive in state %s: %w", m.State(), err)
		}

		act := m.Feed(line)
		if answer := m.Config().Answer(act); answer != "" {
			if err := conn.Send(answer); err != nil {
				return m.Result(), fmt.Errorf("capture: answer %s: %w", act, err)
			}
		}
		if act == ActionDone {
			res := m.Result()
			err := m.Err()
			if err == nil {
				log.Printf("[capture] payload verified: %d bytes, crc 0x%08X, %d retransmissions",
					len(res.Payload), res.LocalCRC, res.Retransmits)
			} else {
				log.Printf("[capture] no usable payload after %d retransmissions: %v", res.Retransmits, err)
			}
			return res, err
		}
	}
}

// IsCaptureFailure reports whether err is a recoverable capture outcome as
// opposed to a lost session.
func IsCaptureFailure(err error) bool {
	return errors.Is(err, ErrChecksumMismatchExhausted) || errors.Is(err, ErrIncomplete)
}
