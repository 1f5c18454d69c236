// Package app wires the relay together: store, prefix, queue, radio, Matrix
// session, translators and plugins, built in dependency order with no global
// state, then run until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mmrelay/mmrelay/common/environment"
	"github.com/mmrelay/mmrelay/common/trace"
	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
	"github.com/mmrelay/mmrelay/internal/mmrelay/logging"
	"github.com/mmrelay/mmrelay/internal/mmrelay/matrix"
	"github.com/mmrelay/mmrelay/internal/mmrelay/meshtastic"
	"github.com/mmrelay/mmrelay/internal/mmrelay/plugins"
	"github.com/mmrelay/mmrelay/internal/mmrelay/queue"
	"github.com/mmrelay/mmrelay/internal/mmrelay/relay"
	"github.com/mmrelay/mmrelay/internal/mmrelay/store"
)

// Options are the CLI-level knobs for one relay run.
type Options struct {
	ConfigPath string
	LogFile    string
	DataDir    string
	Plugins    []plugins.Plugin
}

// DefaultDataDir returns the per-user directory holding the relay database
// and E2EE store.
func DefaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, "mmrelay"), nil
}

// Run builds the full relay from configuration and runs it until ctx is
// cancelled. Components shut down in reverse construction order.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	log := logging.Setup(cfg.Logging, opts.LogFile)

	dataDir := opts.DataDir
	if dataDir == "" {
		if dataDir, err = DefaultDataDir(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(dataDir, "mmrelay.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	credsPath, err := config.CredentialsPath()
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials(credsPath)
	if err != nil {
		return err
	}

	mx, err := matrix.New(cfg, creds, st.DB(), log)
	if err != nil {
		return err
	}

	disp := plugins.NewDispatcher(log)
	for _, p := range opts.Plugins {
		disp.Register(p)
	}

	// The queue persists message-map rows only when reactions or replies
	// need them; otherwise the map stays empty and pruning is moot.
	var mapStore queue.MapStore
	if cfg.InteractionsEnabled() {
		mapStore = storeAdapter{st}
	}
	q := queue.New(cfg.Meshtastic.MessageDelay, mapStore, cfg.MsgsToKeep(), log)

	radio, err := meshtastic.New(&cfg.Meshtastic, log)
	if err != nil {
		return err
	}

	botUserID := mx.UserID().String()
	botDisplayName := mx.BotDisplayName(ctx)

	meshToMatrix := relay.NewMeshToMatrix(cfg, st, mx, radio, disp, botUserID, log)
	matrixToMesh := relay.NewMatrixToMesh(cfg, st, q, radio, mx, disp, botUserID, botDisplayName, log)

	if environment.RunningUnderServiceManager() {
		log.Info("running under a service manager")
	}

	if err := radio.Start(ctx); err != nil {
		return err
	}
	defer radio.Stop()

	// The queue must be draining before the sync loop goes live: the first
	// synced room event can arrive immediately and needs somewhere to go.
	q.AttachTransport(radio)
	q.Start(ctx)
	defer q.Stop()

	if err := mx.Start(ctx, matrixToMesh.HandleEvent); err != nil {
		return err
	}
	defer mx.Stop()

	go consumePackets(ctx, radio, meshToMatrix, log)

	announceStartup(ctx, cfg, mx, log)

	log.Info("relay running", "meshnet", cfg.Meshtastic.MeshnetName,
		"rooms", len(cfg.MatrixRooms))
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// consumePackets feeds the radio's packet stream into the mesh→matrix
// translator, one trace ID per packet.
func consumePackets(ctx context.Context, radio *meshtastic.Manager, tr *relay.MeshToMatrix, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-radio.Packets():
			pktCtx := trace.WithTraceID(ctx, trace.GenerateID())
			tr.HandlePacket(pktCtx, pkt)
		}
	}
}

// announceStartup posts a connection notice to every mapped room. The
// session's own-sender filter keeps the notice out of the relay path.
func announceStartup(ctx context.Context, cfg *config.Config, mx *matrix.Client, log *slog.Logger) {
	body := fmt.Sprintf("Connected to %s meshnet", cfg.Meshtastic.MeshnetName)
	content := map[string]any{
		"msgtype":          "m.notice",
		"body":             body,
		"mmrelay_suppress": true,
	}
	for _, m := range mx.Rooms() {
		if _, err := mx.Send(ctx, m.ID, content); err != nil {
			log.Warn("startup notice failed", "room_id", m.ID, "error", err)
		}
	}
}

// storeAdapter narrows *store.Store to the queue's flat-argument interface.
type storeAdapter struct {
	st *store.Store
}

func (a storeAdapter) StoreMap(meshID uint32, eventID, roomID, text, meshnet string) error {
	return a.st.StoreMap(store.MapEntry{
		MeshID:        meshID,
		MatrixEventID: eventID,
		MatrixRoomID:  roomID,
		MeshText:      text,
		Meshnet:       meshnet,
	})
}

func (a storeAdapter) PruneMap(keep int) error {
	return a.st.PruneMap(keep)
}
