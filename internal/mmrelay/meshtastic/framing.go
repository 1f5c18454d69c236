package meshtastic

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	pb "github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"
)

// Serial and TCP links frame each protobuf with a 4-byte header: two magic
// bytes and a big-endian payload length.
const (
	start1       = 0x94
	start2       = 0xC3
	headerLen    = 4
	maxFrameSize = 512
)

// streamConn implements Conn over any framed byte stream.
type streamConn struct {
	rwc io.ReadWriteCloser
	wmu sync.Mutex
}

func newStreamConn(rwc io.ReadWriteCloser) *streamConn {
	return &streamConn{rwc: rwc}
}

func (c *streamConn) Send(msg *pb.ToRadio) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ToRadio: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	frame := make([]byte, headerLen+len(data))
	frame[0] = start1
	frame[1] = start2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(data)))
	copy(frame[headerLen:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rwc.Write(frame)
	return err
}

// Recv scans the stream for the next valid frame. Radios emit debug text on
// the same serial line, so bytes outside a frame are skipped until the magic
// marker resynchronizes the reader.
func (c *streamConn) Recv() (*pb.FromRadio, error) {
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(c.rwc, buf); err != nil {
			return nil, err
		}
		if buf[0] != start1 {
			continue
		}
		if _, err := io.ReadFull(c.rwc, buf); err != nil {
			return nil, err
		}
		if buf[0] != start2 {
			continue
		}

		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(c.rwc, lenBuf); err != nil {
			return nil, err
		}
		frameLen := int(binary.BigEndian.Uint16(lenBuf))
		if frameLen == 0 || frameLen > maxFrameSize {
			continue
		}

		payload := make([]byte, frameLen)
		if _, err := io.ReadFull(c.rwc, payload); err != nil {
			return nil, err
		}

		msg := &pb.FromRadio{}
		if err := proto.Unmarshal(payload, msg); err != nil {
			// Malformed frame, keep scanning.
			continue
		}
		return msg, nil
	}
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}
