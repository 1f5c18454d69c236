package relay

import (
	pb "github.com/rabarar/meshtastic"
)

// Kind classifies a decoded mesh packet once at the boundary; the translator
// switches on it instead of re-inspecting protobuf fields.
type Kind int

const (
	KindText Kind = iota
	KindReaction
	KindReply
	KindDetectionSensor
	KindOther
)

// Packet is the translator's view of one incoming mesh packet.
type Packet struct {
	Kind    Kind
	From    uint32
	To      uint32
	ID      uint32
	Channel int
	ReplyID uint32
	Text    string
	Portnum pb.PortNum
}

// classify maps a raw mesh packet to its tagged form. The second return is
// false for malformed packets (no decoded payload), which are dropped.
func classify(pkt *pb.MeshPacket) (Packet, bool) {
	d := pkt.GetDecoded()
	if d == nil {
		return Packet{}, false
	}

	p := Packet{
		From:    pkt.GetFrom(),
		To:      pkt.GetTo(),
		ID:      pkt.GetId(),
		Channel: int(pkt.GetChannel()),
		ReplyID: d.GetReplyId(),
		Text:    string(d.GetPayload()),
		Portnum: d.GetPortnum(),
	}

	switch d.GetPortnum() {
	case pb.PortNum_TEXT_MESSAGE_APP:
		switch {
		case p.ReplyID != 0 && d.GetEmoji() != 0:
			p.Kind = KindReaction
		case p.ReplyID != 0:
			p.Kind = KindReply
		default:
			p.Kind = KindText
		}
	case pb.PortNum_DETECTION_SENSOR_APP:
		p.Kind = KindDetectionSensor
	default:
		p.Kind = KindOther
	}
	return p, true
}
