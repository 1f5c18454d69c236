// Package meshtastic owns the radio link: one serial, TCP or BLE connection
// to a Meshtastic device, the config handshake, the node table and the
// reconnect machinery.
package meshtastic

import (
	"context"
	"errors"
	"os"
	"syscall"

	pb "github.com/rabarar/meshtastic"
)

// BroadcastNum is the destination sentinel for channel broadcasts.
const BroadcastNum uint32 = 0xFFFFFFFF

// Conn is one open link to a radio, speaking ToRadio/FromRadio protobufs.
// Recv blocks; unblocking it is done by closing the connection.
type Conn interface {
	Recv() (*pb.FromRadio, error)
	Send(*pb.ToRadio) error
	Close() error
}

// DialFunc opens a Conn. The manager retries transient dial failures with
// backoff; critical failures abort the initial connect.
type DialFunc func(ctx context.Context) (Conn, error)

// isCriticalDialErr separates errors that retrying cannot fix from transient
// library hiccups.
func isCriticalDialErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOMEM) ||
		os.IsTimeout(err)
}
