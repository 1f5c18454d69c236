// Package relay contains the two translators that move messages between the
// mesh and Matrix, plus the text helpers they share.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/rabarar/meshtastic"

	"github.com/mmrelay/mmrelay/common/trace"
	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
	"github.com/mmrelay/mmrelay/internal/mmrelay/meshtastic"
	"github.com/mmrelay/mmrelay/internal/mmrelay/plugins"
	"github.com/mmrelay/mmrelay/internal/mmrelay/prefix"
	"github.com/mmrelay/mmrelay/internal/mmrelay/store"
)

// MatrixSender is the slice of the Matrix session the translator needs.
type MatrixSender interface {
	Send(ctx context.Context, roomID string, content any) (string, error)
}

// NodeTable exposes the radio's live node knowledge.
type NodeTable interface {
	NodeIdentity(num uint32) (meshtastic.NodeIdentity, bool)
	LocalNodeNum() uint32
}

// MeshToMatrix turns incoming mesh packets into Matrix events.
type MeshToMatrix struct {
	cfg     *config.Config
	store   *store.Store
	matrix  MatrixSender
	nodes   NodeTable
	plugins *plugins.Dispatcher
	log     *slog.Logger

	botUserID string
}

func NewMeshToMatrix(cfg *config.Config, st *store.Store, mx MatrixSender, nodes NodeTable, disp *plugins.Dispatcher, botUserID string, log *slog.Logger) *MeshToMatrix {
	return &MeshToMatrix{
		cfg:       cfg,
		store:     st,
		matrix:    mx,
		nodes:     nodes,
		plugins:   disp,
		botUserID: botUserID,
		log:       log,
	}
}

// HandlePacket processes one packet from the radio. Errors never propagate
// back into the transport; everything is logged and dropped.
func (t *MeshToMatrix) HandlePacket(ctx context.Context, raw *pb.MeshPacket) {
	log := t.log
	if tid := trace.FromContext(ctx); tid != "" {
		log = log.With("trace_id", tid)
	}

	p, ok := classify(raw)
	if !ok {
		log.Debug("dropping malformed packet", "from", raw.GetFrom())
		return
	}

	roomID, mapped := t.cfg.RoomFor(p.Channel)
	if !mapped {
		log.Debug("dropping packet on unmapped channel", "channel", p.Channel)
		return
	}

	meshID := fmt.Sprintf("!%08x", p.From)
	longname, shortname := t.resolveIdentity(meshID, p.From)
	meshnet := t.cfg.Meshtastic.MeshnetName

	var pfx string
	if t.cfg.Matrix.IsPrefixEnabled() {
		pfx = prefix.MeshToMatrix(t.cfg.Matrix.PrefixFormat, prefix.MeshSender{
			Longname:  longname,
			Shortname: shortname,
			Meshnet:   meshnet,
		})
	}
	formatted := pfx + p.Text

	if t.plugins.DispatchMesh(ctx, raw, formatted, longname, meshnet) {
		return
	}
	// Direct messages are for plugins only, never relayed into the room.
	if p.To != meshtastic.BroadcastNum && p.To == t.nodes.LocalNodeNum() {
		log.Debug("dropping direct message", "from", meshID)
		return
	}

	switch p.Kind {
	case KindReaction:
		t.relayReaction(ctx, p, pfx, longname, shortname, meshnet)
	case KindReply:
		t.relayReply(ctx, p, roomID, pfx, formatted, longname, shortname, meshnet)
	case KindText:
		t.relayText(ctx, p, roomID, formatted, longname, shortname, meshnet)
	case KindDetectionSensor:
		if !t.cfg.Meshtastic.DetectionSensor {
			return
		}
		t.relayText(ctx, p, roomID, formatted, longname, shortname, meshnet)
	case KindOther:
		// Already offered to plugins; nothing to emit.
	}
}

func (t *MeshToMatrix) relayText(ctx context.Context, p Packet, roomID, formatted, longname, shortname, meshnet string) {
	content := t.baseContent("m.text", formatted, p, longname, shortname, meshnet)
	eventID, err := t.matrix.Send(ctx, roomID, content)
	if err != nil {
		t.log.Error("failed to relay mesh message", "room_id", roomID, "error", err)
		return
	}
	t.storeMapping(p, eventID, roomID, meshnet)
}

func (t *MeshToMatrix) relayReaction(ctx context.Context, p Packet, pfx, longname, shortname, meshnet string) {
	if !t.cfg.Meshtastic.MessageInteractions.Reactions {
		return
	}
	orig, found, err := t.store.LookupByMesh(p.ReplyID)
	if err != nil {
		t.log.Error("reaction lookup failed", "reply_id", p.ReplyID, "error", err)
		return
	}
	if !found {
		t.log.Debug("reaction to unknown message", "reply_id", p.ReplyID)
		return
	}

	body := fmt.Sprintf("%sreacted %s to \"%s\"", pfx, p.Text, Abbrev40(orig.MeshText))
	content := t.baseContent("m.emote", body, p, longname, shortname, meshnet)
	content["meshtastic_replyId"] = p.ReplyID
	content["meshtastic_emoji"] = 1

	if _, err := t.matrix.Send(ctx, orig.MatrixRoomID, content); err != nil {
		t.log.Error("failed to relay mesh reaction", "room_id", orig.MatrixRoomID, "error", err)
	}
}

func (t *MeshToMatrix) relayReply(ctx context.Context, p Packet, roomID, pfx, formatted, longname, shortname, meshnet string) {
	if !t.cfg.Meshtastic.MessageInteractions.Replies {
		t.relayText(ctx, p, roomID, formatted, longname, shortname, meshnet)
		return
	}
	orig, found, err := t.store.LookupByMesh(p.ReplyID)
	if err != nil || !found {
		if err != nil {
			t.log.Error("reply lookup failed", "reply_id", p.ReplyID, "error", err)
		}
		t.relayText(ctx, p, roomID, formatted, longname, shortname, meshnet)
		return
	}

	// The plain body carries the same attribution as the HTML fallback so
	// text-only clients can tell who wrote the quoted line.
	quoted := fmt.Sprintf("[%s/%s]: %s", longname, meshnet, orig.MeshText)
	body := fmt.Sprintf("> <%s> %s\n\n%s", t.botUserID, quoted, formatted)
	formattedBody := fmt.Sprintf(
		"<mx-reply><blockquote>%s</blockquote></mx-reply>%s",
		quoted, formatted,
	)

	content := t.baseContent("m.text", body, p, longname, shortname, meshnet)
	content["format"] = "org.matrix.custom.html"
	content["formatted_body"] = formattedBody
	content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": orig.MatrixEventID},
	}

	eventID, err := t.matrix.Send(ctx, orig.MatrixRoomID, content)
	if err != nil {
		t.log.Error("failed to relay mesh reply", "room_id", orig.MatrixRoomID, "error", err)
		return
	}
	t.storeMapping(p, eventID, orig.MatrixRoomID, meshnet)
}

func (t *MeshToMatrix) baseContent(msgtype, body string, p Packet, longname, shortname, meshnet string) map[string]any {
	return map[string]any{
		"msgtype":              msgtype,
		"body":                 body,
		"meshtastic_longname":  longname,
		"meshtastic_shortname": shortname,
		"meshtastic_meshnet":   meshnet,
		"meshtastic_portnum":   p.Portnum.String(),
		"meshtastic_id":        p.ID,
		"meshtastic_text":      p.Text,
	}
}

// storeMapping records the mesh-to-matrix id pair so later reactions and
// replies can find the original. With interactions off nothing ever reads
// the map, so nothing is written either.
func (t *MeshToMatrix) storeMapping(p Packet, eventID, roomID, meshnet string) {
	if !t.cfg.InteractionsEnabled() {
		return
	}
	err := t.store.StoreMap(store.MapEntry{
		MeshID:        p.ID,
		MatrixEventID: eventID,
		MatrixRoomID:  roomID,
		MeshText:      p.Text,
		Meshnet:       meshnet,
	})
	if err != nil {
		t.log.Error("failed to store message mapping", "mesh_id", p.ID, "error", err)
		return
	}
	if err := t.store.PruneMap(t.cfg.MsgsToKeep()); err != nil {
		t.log.Error("failed to prune message map", "error", err)
	}
}

// resolveIdentity loads the sender's names, refreshing the cache from the
// radio's node table when the store has gaps. Unknown nodes fall back to the
// hex mesh id.
func (t *MeshToMatrix) resolveIdentity(meshID string, num uint32) (longname, shortname string) {
	longname, err := t.store.Longname(meshID)
	if err != nil {
		t.log.Error("longname lookup failed", "mesh_id", meshID, "error", err)
	}
	shortname, err = t.store.Shortname(meshID)
	if err != nil {
		t.log.Error("shortname lookup failed", "mesh_id", meshID, "error", err)
	}

	if longname == "" || shortname == "" {
		if id, ok := t.nodes.NodeIdentity(num); ok {
			if longname == "" && id.Longname != "" {
				longname = id.Longname
				if err := t.store.SaveLongname(meshID, longname); err != nil {
					t.log.Error("failed to cache longname", "mesh_id", meshID, "error", err)
				}
			}
			if shortname == "" && id.Shortname != "" {
				shortname = id.Shortname
				if err := t.store.SaveShortname(meshID, shortname); err != nil {
					t.log.Error("failed to cache shortname", "mesh_id", meshID, "error", err)
				}
			}
		}
	}

	if longname == "" {
		longname = meshID
	}
	if shortname == "" {
		shortname = meshID
	}
	return longname, shortname
}
