package meshtastic

import (
	"context"
	"errors"
	"time"

	pb "github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"
)

const probeReplyTimeout = 10 * time.Second

// heartbeatLoop sends a metadata probe to the local node every interval.
// Serial and TCP links die silently (unplugged cable, half-open socket); a
// missing firmware-version response is the only reliable liveness signal.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.shuttingDown.Load() {
			return
		}
		if !m.connected.Load() || m.reconnecting.Load() {
			continue
		}

		if err := m.probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("health check failed, treating link as lost", "error", err)
			// Close the link; the read loop notices and reconnects.
			m.connected.Store(false)
			m.closeConn()
		} else {
			m.log.Debug("health check ok")
		}
	}
}

// probe asks the local node for its device metadata and waits for a response
// carrying a firmware version.
func (m *Manager) probe(ctx context.Context) error {
	admin := &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_GetDeviceMetadataRequest{
			GetDeviceMetadataRequest: true,
		},
	}
	payload, err := proto.Marshal(admin)
	if err != nil {
		return err
	}

	pkt := &pb.MeshPacket{
		From:    m.myNodeNum.Load(),
		To:      m.myNodeNum.Load(),
		Id:      m.nextPacketID(),
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum:      pb.PortNum_ADMIN_APP,
				Payload:      payload,
				WantResponse: true,
			},
		},
	}

	m.pendingProbe.Store(pkt.GetId())
	defer m.pendingProbe.Store(0)

	// Discard a stale ack from an earlier probe.
	select {
	case <-m.heartbeatAck:
	default:
	}

	if _, err := m.sendPacket(pkt); err != nil {
		return err
	}

	select {
	case <-m.heartbeatAck:
		return nil
	case <-time.After(probeReplyTimeout):
		return errors.New("no device metadata response")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isHeartbeatAck intercepts admin responses to the pending probe so they are
// not forwarded to the translator.
func (m *Manager) isHeartbeatAck(pkt *pb.MeshPacket) bool {
	d := pkt.GetDecoded()
	if d == nil || d.GetPortnum() != pb.PortNum_ADMIN_APP {
		return false
	}
	pending := m.pendingProbe.Load()
	if pending == 0 || d.GetRequestId() != pending {
		return false
	}

	var admin pb.AdminMessage
	if err := proto.Unmarshal(d.GetPayload(), &admin); err != nil {
		return true
	}
	if resp := admin.GetGetDeviceMetadataResponse(); resp != nil {
		m.ackProbe(resp.GetFirmwareVersion())
	}
	return true
}

// ackProbe completes the pending probe when the response carries a firmware
// version. An empty version leaves the probe to time out, which the caller
// treats as a dead link.
func (m *Manager) ackProbe(firmwareVersion string) {
	if firmwareVersion == "" || m.pendingProbe.Load() == 0 {
		return
	}
	select {
	case m.heartbeatAck <- struct{}{}:
	default:
	}
}
