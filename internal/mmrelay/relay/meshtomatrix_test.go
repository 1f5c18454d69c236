package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
	"github.com/mmrelay/mmrelay/internal/mmrelay/meshtastic"
	"github.com/mmrelay/mmrelay/internal/mmrelay/plugins"
	"github.com/mmrelay/mmrelay/internal/mmrelay/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRelayConfig() *config.Config {
	return &config.Config{
		MatrixRooms: []*config.RoomMapping{{ID: "!room:x", Channel: 0}},
		Meshtastic: config.MeshtasticConfig{
			MeshnetName: "M1",
			MessageInteractions: config.MessageInteractions{
				Reactions: true,
				Replies:   true,
			},
		},
	}
}

func newRelayStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type sentEvent struct {
	roomID  string
	content map[string]any
}

type fakeMatrix struct {
	sent []sentEvent
}

func (f *fakeMatrix) Send(_ context.Context, roomID string, content any) (string, error) {
	f.sent = append(f.sent, sentEvent{roomID: roomID, content: content.(map[string]any)})
	return fmt.Sprintf("$evt%d", len(f.sent)), nil
}

type fakeNodes struct {
	ids   map[uint32]meshtastic.NodeIdentity
	local uint32
}

func (f *fakeNodes) NodeIdentity(num uint32) (meshtastic.NodeIdentity, bool) {
	identity, ok := f.ids[num]
	return identity, ok
}

func (f *fakeNodes) LocalNodeNum() uint32 { return f.local }

func newMeshToMatrix(t *testing.T, cfg *config.Config) (*MeshToMatrix, *store.Store, *fakeMatrix, *fakeNodes) {
	t.Helper()
	st := newRelayStore(t)
	mx := &fakeMatrix{}
	nodes := &fakeNodes{ids: map[uint32]meshtastic.NodeIdentity{}, local: 99}
	tr := NewMeshToMatrix(cfg, st, mx, nodes, plugins.NewDispatcher(discardLogger()), "@bot:x", discardLogger())
	return tr, st, mx, nodes
}

func seedIdentity(t *testing.T, st *store.Store, meshID, long, short string) {
	t.Helper()
	if err := st.SaveLongname(meshID, long); err != nil {
		t.Fatalf("seed longname: %v", err)
	}
	if err := st.SaveShortname(meshID, short); err != nil {
		t.Fatalf("seed shortname: %v", err)
	}
}

func TestMeshToMatrix_TextRelay(t *testing.T) {
	tr, st, mx, _ := newMeshToMatrix(t, newRelayConfig())
	seedIdentity(t, st, "!000000aa", "Alice", "Al")

	tr.HandlePacket(context.Background(), &pb.MeshPacket{
		From: 0xAA, To: 0xFFFFFFFF, Id: 42, Channel: 0,
		PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
			Portnum: pb.PortNum_TEXT_MESSAGE_APP,
			Payload: []byte("hi"),
		}},
	})

	if len(mx.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(mx.sent))
	}
	got := mx.sent[0]
	if got.roomID != "!room:x" {
		t.Errorf("room = %q, want !room:x", got.roomID)
	}
	if got.content["body"] != "[Alice/M1]: hi" {
		t.Errorf("body = %q, want %q", got.content["body"], "[Alice/M1]: hi")
	}
	if got.content["msgtype"] != "m.text" {
		t.Errorf("msgtype = %q", got.content["msgtype"])
	}
	if got.content["meshtastic_id"] != uint32(42) {
		t.Errorf("meshtastic_id = %v", got.content["meshtastic_id"])
	}
	if got.content["meshtastic_longname"] != "Alice" || got.content["meshtastic_meshnet"] != "M1" {
		t.Errorf("identity fields wrong: %v", got.content)
	}

	entry, found, err := st.LookupByMesh(42)
	if err != nil || !found {
		t.Fatalf("mapping not stored: found=%v err=%v", found, err)
	}
	if entry.MatrixEventID != "$evt1" || entry.MatrixRoomID != "!room:x" || entry.MeshText != "hi" || entry.Meshnet != "M1" {
		t.Errorf("mapping = %+v", entry)
	}
}

func TestMeshToMatrix_UnknownSenderFallsBackToMeshID(t *testing.T) {
	tr, _, mx, _ := newMeshToMatrix(t, newRelayConfig())

	tr.HandlePacket(context.Background(), textPacket(7, 0, 0, "hey"))

	if len(mx.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(mx.sent))
	}
	if body := mx.sent[0].content["body"].(string); !strings.HasPrefix(body, "[!000000aa/M1]: ") {
		t.Errorf("body = %q, want hex mesh id fallback prefix", body)
	}
}

func TestMeshToMatrix_IdentityRefreshFromNodeTable(t *testing.T) {
	tr, st, mx, nodes := newMeshToMatrix(t, newRelayConfig())
	nodes.ids[0xAA] = meshtastic.NodeIdentity{Longname: "Alice Node", Shortname: "AL"}

	tr.HandlePacket(context.Background(), textPacket(8, 0, 0, "hi"))

	if len(mx.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(mx.sent))
	}
	if body := mx.sent[0].content["body"]; body != "[Alice Node/M1]: hi" {
		t.Errorf("body = %q", body)
	}
	// The names learned from the radio must now be cached.
	long, err := st.Longname("!000000aa")
	if err != nil || long != "Alice Node" {
		t.Errorf("cached longname = %q, err = %v", long, err)
	}
}

func TestMeshToMatrix_UnmappedChannelDropped(t *testing.T) {
	tr, _, mx, _ := newMeshToMatrix(t, newRelayConfig())

	pkt := textPacket(9, 0, 0, "hi")
	pkt.Channel = 3
	tr.HandlePacket(context.Background(), pkt)

	if len(mx.sent) != 0 {
		t.Errorf("packet on unmapped channel was relayed: %v", mx.sent)
	}
}

func TestMeshToMatrix_DirectMessageDropped(t *testing.T) {
	tr, _, mx, _ := newMeshToMatrix(t, newRelayConfig())

	pkt := textPacket(10, 0, 0, "psst")
	pkt.To = 99 // the relay's own node
	tr.HandlePacket(context.Background(), pkt)

	if len(mx.sent) != 0 {
		t.Errorf("direct message was relayed: %v", mx.sent)
	}
}

func TestMeshToMatrix_ReactionRelay(t *testing.T) {
	tr, st, mx, _ := newMeshToMatrix(t, newRelayConfig())
	seedIdentity(t, st, "!000000aa", "Alice", "Al")
	err := st.StoreMap(store.MapEntry{
		MeshID: 42, MatrixEventID: "$orig", MatrixRoomID: "!room:x",
		MeshText: "hi", Meshnet: "M1",
	})
	if err != nil {
		t.Fatalf("seed map: %v", err)
	}

	tr.HandlePacket(context.Background(), textPacket(50, 42, 1, "👍"))

	if len(mx.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(mx.sent))
	}
	got := mx.sent[0]
	if got.content["msgtype"] != "m.emote" {
		t.Errorf("msgtype = %q, want m.emote", got.content["msgtype"])
	}
	want := "[Alice/M1]: reacted 👍 to \"hi\""
	if got.content["body"] != want {
		t.Errorf("body = %q, want %q", got.content["body"], want)
	}
	if got.content["meshtastic_emoji"] != 1 || got.content["meshtastic_replyId"] != uint32(42) {
		t.Errorf("reaction fields wrong: %v", got.content)
	}
}

func TestMeshToMatrix_ReactionToUnknownMessageDropped(t *testing.T) {
	tr, _, mx, _ := newMeshToMatrix(t, newRelayConfig())

	tr.HandlePacket(context.Background(), textPacket(51, 4242, 1, "👍"))

	if len(mx.sent) != 0 {
		t.Errorf("reaction to unknown message was relayed: %v", mx.sent)
	}
}

func TestMeshToMatrix_ReactionsDisabled(t *testing.T) {
	cfg := newRelayConfig()
	cfg.Meshtastic.MessageInteractions.Reactions = false
	tr, st, mx, _ := newMeshToMatrix(t, cfg)
	if err := st.StoreMap(store.MapEntry{MeshID: 42, MatrixEventID: "$orig", MatrixRoomID: "!room:x", MeshText: "hi"}); err != nil {
		t.Fatal(err)
	}

	tr.HandlePacket(context.Background(), textPacket(52, 42, 1, "👍"))

	if len(mx.sent) != 0 {
		t.Errorf("reaction relayed with reactions disabled: %v", mx.sent)
	}
}

func TestMeshToMatrix_ReplyRelay(t *testing.T) {
	tr, st, mx, _ := newMeshToMatrix(t, newRelayConfig())
	seedIdentity(t, st, "!000000aa", "Alice", "Al")
	err := st.StoreMap(store.MapEntry{
		MeshID: 42, MatrixEventID: "$orig", MatrixRoomID: "!room:x",
		MeshText: "hi", Meshnet: "M1",
	})
	if err != nil {
		t.Fatalf("seed map: %v", err)
	}

	tr.HandlePacket(context.Background(), textPacket(60, 42, 0, "pong"))

	if len(mx.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(mx.sent))
	}
	got := mx.sent[0]
	body := got.content["body"].(string)
	if !strings.HasPrefix(body, "> <@bot:x> [Alice/M1]: hi\n\n") || !strings.HasSuffix(body, "[Alice/M1]: pong") {
		t.Errorf("reply body = %q", body)
	}
	formatted := got.content["formatted_body"].(string)
	if !strings.Contains(formatted, "<blockquote>[Alice/M1]: hi</blockquote>") {
		t.Errorf("formatted reply body = %q", formatted)
	}
	rel, ok := got.content["m.relates_to"].(map[string]any)
	if !ok {
		t.Fatal("missing m.relates_to")
	}
	inReply := rel["m.in_reply_to"].(map[string]any)
	if inReply["event_id"] != "$orig" {
		t.Errorf("in_reply_to = %v", inReply)
	}
	// The reply itself becomes reactable.
	if _, found, _ := st.LookupByMesh(60); !found {
		t.Error("reply mapping not stored")
	}
}

func TestMeshToMatrix_InteractionsDisabledSkipsMapping(t *testing.T) {
	cfg := newRelayConfig()
	cfg.Meshtastic.MessageInteractions.Reactions = false
	cfg.Meshtastic.MessageInteractions.Replies = false
	tr, st, mx, _ := newMeshToMatrix(t, cfg)
	seedIdentity(t, st, "!000000aa", "Alice", "Al")

	tr.HandlePacket(context.Background(), textPacket(43, 0, 0, "hi"))

	if len(mx.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(mx.sent))
	}
	// Nothing will ever look the message up, so no map row is written.
	if _, found, err := st.LookupByMesh(43); err != nil || found {
		t.Errorf("mapping written with interactions disabled: found=%v err=%v", found, err)
	}
}

func TestMeshToMatrix_ReplyToUnknownFallsBackToText(t *testing.T) {
	tr, _, mx, _ := newMeshToMatrix(t, newRelayConfig())

	tr.HandlePacket(context.Background(), textPacket(61, 4242, 0, "pong"))

	if len(mx.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(mx.sent))
	}
	if _, has := mx.sent[0].content["m.relates_to"]; has {
		t.Error("unexpected reply relation on fallback text")
	}
}

func TestMeshToMatrix_DetectionSensorGate(t *testing.T) {
	pkt := func() *pb.MeshPacket {
		return &pb.MeshPacket{
			From: 0xAA, To: 0xFFFFFFFF, Id: 70, Channel: 0,
			PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
				Portnum: pb.PortNum_DETECTION_SENSOR_APP,
				Payload: []byte("motion detected"),
			}},
		}
	}

	tr, _, mx, _ := newMeshToMatrix(t, newRelayConfig())
	tr.HandlePacket(context.Background(), pkt())
	if len(mx.sent) != 0 {
		t.Fatalf("detection packet relayed while disabled: %v", mx.sent)
	}

	cfg := newRelayConfig()
	cfg.Meshtastic.DetectionSensor = true
	tr2, _, mx2, _ := newMeshToMatrix(t, cfg)
	tr2.HandlePacket(context.Background(), pkt())
	if len(mx2.sent) != 1 {
		t.Fatalf("detection packet not relayed while enabled")
	}
	if mx2.sent[0].content["meshtastic_portnum"] != pb.PortNum_DETECTION_SENSOR_APP.String() {
		t.Errorf("portnum = %v", mx2.sent[0].content["meshtastic_portnum"])
	}
}

type claimAllPlugin struct{ handled int }

func (p *claimAllPlugin) Name() string             { return "claim-all" }
func (p *claimAllPlugin) Priority() int            { return 1 }
func (p *claimAllPlugin) MatrixCommands() []string { return nil }
func (p *claimAllPlugin) MeshCommands() []string   { return nil }

func (p *claimAllPlugin) HandleMesh(context.Context, *pb.MeshPacket, string, string, string) (bool, error) {
	p.handled++
	return true, nil
}

func (p *claimAllPlugin) HandleMatrix(context.Context, *event.Event, string) (bool, error) {
	p.handled++
	return true, nil
}

func TestMeshToMatrix_PluginClaimStopsRelay(t *testing.T) {
	cfg := newRelayConfig()
	st := newRelayStore(t)
	mx := &fakeMatrix{}
	nodes := &fakeNodes{ids: map[uint32]meshtastic.NodeIdentity{}, local: 99}
	disp := plugins.NewDispatcher(discardLogger())
	plugin := &claimAllPlugin{}
	disp.Register(plugin)
	tr := NewMeshToMatrix(cfg, st, mx, nodes, disp, "@bot:x", discardLogger())

	tr.HandlePacket(context.Background(), textPacket(80, 0, 0, "!ping"))

	if plugin.handled != 1 {
		t.Errorf("plugin handled %d packets, want 1", plugin.handled)
	}
	if len(mx.sent) != 0 {
		t.Errorf("claimed packet was still relayed: %v", mx.sent)
	}
}
