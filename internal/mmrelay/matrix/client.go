// Package matrix maintains the relay's Matrix session: auth, sync, room
// membership, E2EE and event emission.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/common/crypto"
	"github.com/mmrelay/mmrelay/common/redact"
	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
)

const (
	sendTimeout = 10 * time.Second

	// The first sync is full-state so encryption flags and device lists are
	// in place before anything is sent.
	initialSyncTimeout = 30 * time.Second
)

// EventHandler receives every event that survives the session's pre-filters.
type EventHandler func(ctx context.Context, evt *event.Event)

// Client wraps the mautrix session.
type Client struct {
	cli     *mautrix.Client
	log     *slog.Logger
	rooms   []*config.RoomMapping
	e2ee    config.E2EEConfig
	handler EventHandler

	userID    id.UserID
	deviceID  id.DeviceID
	token     string
	startTime time.Time

	crypto *cryptohelper.CryptoHelper
	stopCh chan struct{}
}

// New builds a session from either a credentials file or the legacy inline
// config. The db connection persists the sync position; nil falls back to the
// in-memory store and replays history on every restart.
func New(cfg *config.Config, creds *config.Credentials, db *sql.DB, log *slog.Logger) (*Client, error) {
	homeserver := cfg.Matrix.Homeserver
	userID := cfg.Matrix.BotUserID
	token := cfg.Matrix.AccessToken
	deviceID := ""
	if creds != nil {
		homeserver = creds.Homeserver
		userID = creds.UserID
		token = creds.AccessToken
		deviceID = creds.DeviceID
		log.Info("using credentials file for matrix auth", "user_id", userID)
	} else {
		log.Info("using inline config for matrix auth", "user_id", userID)
	}
	if homeserver == "" || userID == "" || token == "" {
		return nil, errors.New("matrix auth incomplete: need homeserver, user id and access token")
	}

	cli, err := mautrix.NewClient(homeserver, id.UserID(userID), token)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if db != nil {
		cli.Store = newDBSyncStore(db)
	} else {
		log.Warn("no database for sync store, history will replay on restart")
	}

	return &Client{
		cli:      cli,
		log:      log,
		rooms:    cfg.MatrixRooms,
		e2ee:     cfg.Matrix.E2EE,
		userID:   id.UserID(userID),
		deviceID: id.DeviceID(deviceID),
		token:    token,
		stopCh:   make(chan struct{}),
	}, nil
}

// UserID returns the bot's own Matrix user id.
func (c *Client) UserID() id.UserID { return c.userID }

// Start authenticates, joins the mapped rooms, performs the initial
// full-state sync and launches the continuous sync loop.
func (c *Client) Start(ctx context.Context, handler EventHandler) error {
	c.handler = handler
	c.startTime = time.Now()

	// Legacy inline auth has no device id; whoami discovers it. Failure
	// only disables the E2EE send path.
	if c.deviceID == "" {
		whoami, err := c.cli.Whoami(ctx)
		if err != nil {
			c.log.Warn("whoami failed, device id unknown, e2ee unavailable", "error", err)
		} else {
			c.deviceID = whoami.DeviceID
		}
	}
	c.cli.DeviceID = c.deviceID

	if c.e2ee.Enabled {
		if err := c.setupCrypto(ctx); err != nil {
			return fmt.Errorf("e2ee setup: %w", err)
		}
	}

	syncer := c.cli.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.dispatch)
	syncer.OnEventType(event.EventReaction, c.dispatch)

	if err := c.JoinMappedRooms(ctx); err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initialSyncTimeout)
	defer cancel()
	resp, err := c.cli.FullSyncRequest(initCtx, mautrix.ReqSync{
		Timeout:   int(initialSyncTimeout.Milliseconds()),
		FullState: true,
	})
	if err != nil {
		return fmt.Errorf("initial full-state sync: %w", err)
	}
	if err := c.cli.Store.SaveNextBatch(ctx, c.userID, resp.NextBatch); err != nil {
		c.log.Warn("failed to save sync position", "error", err)
	}

	go c.syncLoop()
	return nil
}

// setupCrypto attaches the olm machine with a persistent crypto store.
func (c *Client) setupCrypto(ctx context.Context) error {
	if c.deviceID == "" {
		return errors.New("e2ee enabled but device id unknown")
	}
	storePath := c.e2ee.StorePath
	if storePath == "" {
		storePath = defaultStorePath()
	}
	db, err := openCryptoDB(storePath)
	if err != nil {
		return err
	}
	pickleKey, err := crypto.LoadOrCreateKey(filepath.Join(storePath, "pickle.key"))
	if err != nil {
		return fmt.Errorf("pickle key: %w", err)
	}
	helper, err := cryptohelper.NewCryptoHelper(c.cli, pickleKey, db)
	if err != nil {
		return fmt.Errorf("create crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return fmt.Errorf("init crypto helper: %w", err)
	}
	c.crypto = helper
	c.cli.Crypto = helper
	c.log.Info("e2ee enabled", "device_id", c.deviceID)
	return nil
}

const (
	syncBackoffMin = 2 * time.Second
	syncBackoffMax = 5 * time.Minute

	// A sync that stayed up this long before failing means the homeserver
	// had recovered; the next failure starts the ladder over.
	syncHealthyAge = time.Minute
)

// nextSyncBackoff doubles the previous wait up to the cap, resetting to the
// minimum after a healthy sync period.
func nextSyncBackoff(prev, ranFor time.Duration) time.Duration {
	if ranFor >= syncHealthyAge || prev < syncBackoffMin {
		return syncBackoffMin
	}
	next := prev * 2
	if next > syncBackoffMax {
		return syncBackoffMax
	}
	return next
}

// syncLoop keeps the sync stream alive with exponential backoff. A transient
// homeserver error must not leave the relay deaf.
func (c *Client) syncLoop() {
	var backoff time.Duration
	for {
		started := time.Now()
		if err := c.cli.Sync(); err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			backoff = nextSyncBackoff(backoff, time.Since(started))
			// Homeserver errors can echo the request URL; keep the
			// access token out of the log line.
			c.log.Error("matrix sync stopped, reconnecting",
				"error", redact.String(err.Error(), c.token), "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			continue
		}
		// Sync returns nil only after a clean StopSync.
		return
	}
}

// Stop ends the sync loop and closes the crypto store.
func (c *Client) Stop() {
	close(c.stopCh)
	c.cli.StopSync()
	if c.crypto != nil {
		if err := c.crypto.Close(); err != nil {
			c.log.Warn("closing crypto store", "error", err)
		}
	}
}

// dispatch applies the session pre-filters, then hands the event over.
func (c *Client) dispatch(ctx context.Context, evt *event.Event) {
	if !c.shouldProcess(evt) {
		return
	}
	if c.handler != nil {
		c.handler(ctx, evt)
	}
}

// shouldProcess drops history replays, our own echoes and side-channel
// traffic flagged by the mesh-relay plugin.
func (c *Client) shouldProcess(evt *event.Event) bool {
	if evt.Timestamp < c.startTime.UnixMilli() {
		return false
	}
	if evt.Sender == c.userID {
		return false
	}
	if suppressed, _ := evt.Content.Raw["mmrelay_suppress"].(bool); suppressed {
		return false
	}
	return true
}

// JoinMappedRooms resolves aliases and joins every configured room. Alias
// entries are rewritten in place so later lookups hit the resolved id.
func (c *Client) JoinMappedRooms(ctx context.Context) error {
	for _, m := range c.rooms {
		if strings.HasPrefix(m.ID, "#") {
			resp, err := c.cli.ResolveAlias(ctx, id.RoomAlias(m.ID))
			if err != nil {
				return fmt.Errorf("resolve alias %s: %w", m.ID, err)
			}
			c.log.Info("resolved room alias", "alias", m.ID, "room_id", resp.RoomID)
			m.ID = resp.RoomID.String()
		}
		if err := c.joinRoom(ctx, id.RoomID(m.ID)); err != nil {
			return fmt.Errorf("join room %s: %w", m.ID, err)
		}
		c.log.Info("joined room", "room_id", m.ID, "channel", m.Channel)
	}
	return nil
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			c.log.Warn("join forbidden, assuming already a member", "room_id", roomID)
			return nil
		}
		return err
	}
	return nil
}

// Rooms returns the (alias-resolved) room mapping.
func (c *Client) Rooms() []*config.RoomMapping { return c.rooms }

// Send emits one event into a room and returns the event id. Content is
// typically an event.MessageEventContent or a raw map carrying the
// meshtastic_* custom fields. E2EE encryption happens inside mautrix when the
// crypto helper is attached.
func (c *Client) Send(ctx context.Context, roomID string, content any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	resp, err := c.cli.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", roomID, err)
	}
	return resp.EventID.String(), nil
}

// DisplayName resolves a user's name: room-scoped member name first, then
// global profile, finally the raw user id.
func (c *Client) DisplayName(ctx context.Context, roomID, userID string) string {
	var member event.MemberEventContent
	err := c.cli.StateEvent(ctx, id.RoomID(roomID), event.StateMember, userID, &member)
	if err == nil && member.Displayname != "" {
		return member.Displayname
	}

	profile, err := c.cli.GetProfile(ctx, id.UserID(userID))
	if err == nil && profile.DisplayName != "" {
		return profile.DisplayName
	}

	return userID
}

// BotDisplayName returns the bot's own global display name, or its user id.
func (c *Client) BotDisplayName(ctx context.Context) string {
	profile, err := c.cli.GetProfile(ctx, c.userID)
	if err != nil || profile.DisplayName == "" {
		return c.userID.String()
	}
	return profile.DisplayName
}
