package meshtastic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.bug.st/serial"
)

const (
	serialBaudRate = 115200

	// How long to wait between existence checks when the device path is
	// absent (radio unplugged or still enumerating).
	serialPortPoll = 5 * time.Second
)

// SerialDialer returns a DialFunc that opens the given serial device. The
// dial waits for the device path to appear before opening, so a relay started
// before the radio is plugged in comes up on its own.
func SerialDialer(port string, log *slog.Logger) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		for {
			if _, err := os.Stat(port); err == nil {
				break
			}
			log.Warn("serial port not found, waiting", "port", port, "retry_in", serialPortPoll)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(serialPortPoll):
			}
		}

		mode := &serial.Mode{BaudRate: serialBaudRate}
		p, err := serial.Open(port, mode)
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", port, err)
		}
		log.Info("serial port opened", "port", port, "baud", serialBaudRate)
		return newStreamConn(p), nil
	}
}
