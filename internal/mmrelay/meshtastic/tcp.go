package meshtastic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	// Default port of the Meshtastic TCP server firmware.
	tcpDefaultPort = "4403"

	tcpDialTimeout = 10 * time.Second
)

// TCPDialer returns a DialFunc connecting to a radio running the TCP server
// firmware. A bare hostname gets the default Meshtastic port appended.
func TCPDialer(host string, log *slog.Logger) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		addr := host
		if _, _, err := net.SplitHostPort(host); err != nil {
			addr = net.JoinHostPort(host, tcpDefaultPort)
		}

		d := net.Dialer{Timeout: tcpDialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect to radio at %s: %w", addr, err)
		}
		log.Info("tcp link established", "addr", addr)
		return newStreamConn(conn), nil
	}
}
