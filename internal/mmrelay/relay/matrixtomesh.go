package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
	"github.com/mmrelay/mmrelay/internal/mmrelay/plugins"
	"github.com/mmrelay/mmrelay/internal/mmrelay/prefix"
	"github.com/mmrelay/mmrelay/internal/mmrelay/queue"
	"github.com/mmrelay/mmrelay/internal/mmrelay/store"
)

// Radio is the slice of the transport the translator sends through. All
// calls happen inside queue thunks, never directly.
type Radio interface {
	SendText(text string, channel int) (uint32, error)
	SendTextReply(text string, replyTo uint32, channel int) (uint32, error)
	SendData(payload []byte, channel int, portnum pb.PortNum) (uint32, error)
}

// Enqueuer matches the outbound queue.
type Enqueuer interface {
	Enqueue(send queue.SendFunc, desc string, mapping *queue.MappingInfo) bool
}

// Directory resolves Matrix display names.
type Directory interface {
	DisplayName(ctx context.Context, roomID, userID string) string
}

// MatrixToMesh turns room events into paced radio sends.
type MatrixToMesh struct {
	cfg     *config.Config
	store   *store.Store
	queue   Enqueuer
	radio   Radio
	names   Directory
	plugins *plugins.Dispatcher
	log     *slog.Logger

	botUserID      string
	botDisplayName string
}

func NewMatrixToMesh(cfg *config.Config, st *store.Store, q Enqueuer, radio Radio, names Directory, disp *plugins.Dispatcher, botUserID, botDisplayName string, log *slog.Logger) *MatrixToMesh {
	return &MatrixToMesh{
		cfg:            cfg,
		store:          st,
		queue:          q,
		radio:          radio,
		names:          names,
		plugins:        disp,
		botUserID:      botUserID,
		botDisplayName: botDisplayName,
		log:            log,
	}
}

// HandleEvent processes one event from the sync loop. The session has
// already dropped history replays, own echoes and suppressed events.
func (t *MatrixToMesh) HandleEvent(ctx context.Context, evt *event.Event) {
	roomID := evt.RoomID.String()
	channel, mapped := t.cfg.ChannelFor(roomID)
	if !mapped {
		return
	}

	if evt.Type == event.EventReaction {
		t.handleReaction(ctx, evt, channel)
		return
	}
	t.handleMessage(ctx, evt, roomID, channel)
}

func (t *MatrixToMesh) handleReaction(ctx context.Context, evt *event.Event, channel int) {
	if !t.cfg.Meshtastic.MessageInteractions.Reactions {
		return
	}
	reaction := evt.Content.AsReaction()
	if reaction == nil || reaction.RelatesTo.EventID == "" {
		return
	}

	orig, found, err := t.store.LookupByEvent(reaction.RelatesTo.EventID.String())
	if err != nil {
		t.log.Error("reaction lookup failed", "event_id", reaction.RelatesTo.EventID, "error", err)
		return
	}
	if !found {
		// Reacting to a reaction, or to something never relayed.
		t.log.Debug("reaction to unmapped event", "event_id", reaction.RelatesTo.EventID)
		return
	}

	pfx := t.senderPrefix(ctx, evt)
	text := fmt.Sprintf("%sreacted %s to \"%s\"", pfx, reaction.RelatesTo.Key, Abbrev40(orig.MeshText))
	t.enqueueText(text, channel, nil, "matrix reaction")
}

func (t *MatrixToMesh) handleMessage(ctx context.Context, evt *event.Event, roomID string, channel int) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	body := msg.Body

	if t.plugins.DispatchMatrix(ctx, evt, body) {
		return
	}
	if IsCommand(body, t.botUserID, t.botDisplayName, t.plugins.MatrixCommands()) {
		t.log.Debug("command claimed, not forwarding", "sender", evt.Sender)
		return
	}
	if !t.cfg.Meshtastic.IsBroadcastEnabled() {
		t.log.Debug("broadcast disabled, not forwarding")
		return
	}

	// Traffic from a remote meshnet looping back through a shared room.
	if remoteMeshnet, remote := t.remoteMeshnetOrigin(evt); remote {
		t.relayRemoteMeshnet(evt, body, remoteMeshnet, channel)
		return
	}

	// Structured detection-sensor payloads ride their own portnum.
	if portnum, _ := evt.Content.Raw["meshtastic_portnum"].(string); portnum == pb.PortNum_DETECTION_SENSOR_APP.String() {
		if t.cfg.Meshtastic.DetectionSensor {
			t.enqueueData([]byte(body), channel, "detection sensor passthrough")
		}
		return
	}

	if rel := msg.RelatesTo; rel != nil && rel.GetReplyTo() != "" && t.cfg.Meshtastic.MessageInteractions.Replies {
		if t.relayReply(ctx, evt, rel.GetReplyTo().String(), body, channel) {
			return
		}
	}

	pfx := t.senderPrefix(ctx, evt)
	text := Truncate(pfx+body, MaxMeshPayload)
	t.enqueueText(text, channel, &queue.MappingInfo{
		MatrixEventID: evt.ID.String(),
		MatrixRoomID:  roomID,
		Text:          body,
		Meshnet:       t.cfg.Meshtastic.MeshnetName,
	}, "matrix message")
}

// relayReply sends the event as a mesh reply when the referenced event is in
// the map. Returns false to fall through to the plain-text path.
func (t *MatrixToMesh) relayReply(ctx context.Context, evt *event.Event, replyTo, body string, channel int) bool {
	orig, found, err := t.store.LookupByEvent(replyTo)
	if err != nil {
		t.log.Error("reply lookup failed", "event_id", replyTo, "error", err)
		return false
	}
	if !found {
		t.log.Debug("reply to unmapped event", "event_id", replyTo)
		return false
	}

	pfx := t.senderPrefix(ctx, evt)
	text := Truncate(pfx+StripQuotedLines(body), MaxMeshPayload)
	meshID := orig.MeshID
	mapping := &queue.MappingInfo{
		MatrixEventID: evt.ID.String(),
		MatrixRoomID:  evt.RoomID.String(),
		Text:          StripQuotedLines(body),
		Meshnet:       t.cfg.Meshtastic.MeshnetName,
	}
	t.queue.Enqueue(func(context.Context) (uint32, error) {
		return t.radio.SendTextReply(text, meshID, channel)
	}, "matrix reply", mapping)
	return true
}

// relayRemoteMeshnet re-emits a message that another relay put into the room.
// Our own meshnet's messages are echoes and dropped.
func (t *MatrixToMesh) relayRemoteMeshnet(evt *event.Event, body, remoteMeshnet string, channel int) {
	if remoteMeshnet == t.cfg.Meshtastic.MeshnetName {
		return
	}

	shortname, _ := evt.Content.Raw["meshtastic_shortname"].(string)
	if shortname == "" {
		shortname, _ = evt.Content.Raw["meshtastic_longname"].(string)
	}
	meshnetTag := firstRunes(remoteMeshnet, 4)

	text := stripRelayPrefix(body)
	emoji, _ := evt.Content.Raw["meshtastic_emoji"].(float64)
	var full string
	if emoji == 1 {
		if !t.cfg.Meshtastic.MessageInteractions.Reactions {
			return
		}
		// Already reads "reacted X to ..."; attach the source without a colon.
		full = fmt.Sprintf("%s/%s %s", shortname, meshnetTag, text)
	} else {
		full = fmt.Sprintf("%s/%s: %s", shortname, meshnetTag, text)
	}
	t.enqueueText(Truncate(full, MaxMeshPayload), channel, nil, "remote meshnet relay")
}

// remoteMeshnetOrigin reports whether the event was emitted by another relay.
func (t *MatrixToMesh) remoteMeshnetOrigin(evt *event.Event) (string, bool) {
	meshnet, _ := evt.Content.Raw["meshtastic_meshnet"].(string)
	longname, _ := evt.Content.Raw["meshtastic_longname"].(string)
	if meshnet == "" || longname == "" {
		return "", false
	}
	return meshnet, true
}

func (t *MatrixToMesh) senderPrefix(ctx context.Context, evt *event.Event) string {
	if !t.cfg.Meshtastic.IsPrefixEnabled() {
		return ""
	}
	display := t.names.DisplayName(ctx, evt.RoomID.String(), evt.Sender.String())
	return prefix.MatrixToMesh(t.cfg.Meshtastic.PrefixFormat, prefix.MatrixSender{
		DisplayName: display,
		UserID:      evt.Sender.String(),
	})
}

func (t *MatrixToMesh) enqueueText(text string, channel int, mapping *queue.MappingInfo, desc string) {
	ok := t.queue.Enqueue(func(context.Context) (uint32, error) {
		return t.radio.SendText(text, channel)
	}, desc, mapping)
	if !ok {
		t.log.Warn("outbound queue rejected message", "desc", desc)
	}
}

func (t *MatrixToMesh) enqueueData(payload []byte, channel int, desc string) {
	ok := t.queue.Enqueue(func(context.Context) (uint32, error) {
		return t.radio.SendData(payload, channel, pb.PortNum_DETECTION_SENSOR_APP)
	}, desc, nil)
	if !ok {
		t.log.Warn("outbound queue rejected message", "desc", desc)
	}
}

// stripRelayPrefix removes a recognizable "[name/meshnet]: " lead-in from a
// message another relay formatted.
func stripRelayPrefix(body string) string {
	if strings.HasPrefix(body, "[") {
		if idx := strings.Index(body, "]: "); idx > 0 {
			return body[idx+3:]
		}
	}
	return body
}

// firstRunes returns the first n characters of s.
func firstRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
