package meshtastic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/mmrelay/mmrelay/common/retry"
	"github.com/mmrelay/mmrelay/internal/mmrelay/config"
)

// Overridable in tests.
var (
	// Initial connect: transient dial failures back off 2s doubling to 60s.
	connectInitialBackoff = 2 * time.Second
	connectMaxBackoff     = 60 * time.Second

	// Reconnect after a lost link: 10s doubling to 300s, reset on success.
	reconnectInitialBackoff = 10 * time.Second
	reconnectMaxBackoff     = 300 * time.Second

	handshakeTimeout = 10 * time.Second
)

// Incoming packets waiting for the translator.
const packetBuffer = 100

// NodeIdentity is what the relay knows about a mesh node.
type NodeIdentity struct {
	Longname  string
	Shortname string
}

// Manager owns the single radio link. It dials, performs the config
// handshake, keeps the node table, reconnects after losses and hands
// incoming mesh packets to the translator via Packets.
type Manager struct {
	dial      DialFunc
	log       *slog.Logger
	heartbeat time.Duration // 0 disables the probe (BLE, or disabled in config)

	mu   sync.Mutex
	conn Conn

	connected    atomic.Bool
	reconnecting atomic.Bool
	shuttingDown atomic.Bool

	myNodeNum    atomic.Uint32
	packetID     atomic.Uint32
	pendingProbe atomic.Uint32

	nodesMu sync.RWMutex
	nodes   map[uint32]NodeIdentity

	packets      chan *pb.MeshPacket
	heartbeatAck chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager for the configured connection type.
func New(cfg *config.MeshtasticConfig, log *slog.Logger) (*Manager, error) {
	var dial DialFunc
	switch cfg.ConnectionType {
	case config.ConnSerial:
		dial = SerialDialer(cfg.SerialPort, log)
	case config.ConnTCP:
		dial = TCPDialer(cfg.Host, log)
	case config.ConnBLE:
		dial = BLEDialer(cfg.BLEAddress, log)
	default:
		return nil, fmt.Errorf("unknown connection type %q", cfg.ConnectionType)
	}

	m := NewWithDialer(dial, log)
	// BLE surfaces disconnects through the stack in real time; the periodic
	// probe is only needed for serial and TCP.
	if cfg.HealthCheck.IsEnabled() && cfg.ConnectionType != config.ConnBLE {
		m.heartbeat = time.Duration(cfg.HealthCheck.HeartbeatInterval) * time.Second
	}
	return m, nil
}

// NewWithDialer builds a Manager around an arbitrary dial function.
func NewWithDialer(dial DialFunc, log *slog.Logger) *Manager {
	m := &Manager{
		dial:         dial,
		log:          log,
		nodes:        make(map[uint32]NodeIdentity),
		packets:      make(chan *pb.MeshPacket, packetBuffer),
		heartbeatAck: make(chan struct{}, 1),
	}
	// Random seed so packet ids from a restarted relay do not collide with
	// ids still circulating in the mesh.
	m.packetID.Store(rand.Uint32())
	return m
}

// Start dials the radio and launches the receive and health-check loops.
// Critical dial errors fail fast; transient ones are retried with backoff
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	err := retry.Do(ctx, retry.Config{
		Unlimited:    true,
		InitialDelay: connectInitialBackoff,
		MaxDelay:     connectMaxBackoff,
		ShouldRetry:  func(err error) bool { return !isCriticalDialErr(err) },
	}, func() error {
		return m.establish(ctx)
	})
	if err != nil {
		return fmt.Errorf("connect to radio: %w", err)
	}

	m.wg.Add(1)
	go m.readLoop(ctx)

	if m.heartbeat > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop(ctx)
	}
	return nil
}

// Stop tears the link down and waits for the loops to exit.
func (m *Manager) Stop() {
	m.shuttingDown.Store(true)
	if m.cancel != nil {
		m.cancel()
	}
	m.closeConn()
	m.wg.Wait()
}

// Packets delivers incoming mesh packets. The channel is never closed while
// the manager runs; consumers stop via their own context.
func (m *Manager) Packets() <-chan *pb.MeshPacket {
	return m.packets
}

// IsConnected reports whether the link is up.
func (m *Manager) IsConnected() bool { return m.connected.Load() }

// IsReconnecting reports whether the reconnect loop is active.
func (m *Manager) IsReconnecting() bool { return m.reconnecting.Load() }

// LocalNodeNum returns the radio's own node number, 0 before the handshake.
func (m *Manager) LocalNodeNum() uint32 { return m.myNodeNum.Load() }

// NodeIdentity looks up the cached identity of a mesh node.
func (m *Manager) NodeIdentity(num uint32) (NodeIdentity, bool) {
	m.nodesMu.RLock()
	defer m.nodesMu.RUnlock()
	id, ok := m.nodes[num]
	return id, ok
}

// establish dials and completes the config handshake, installing the new
// connection on success.
func (m *Manager) establish(ctx context.Context) error {
	c, err := m.dial(ctx)
	if err != nil {
		return err
	}
	if err := m.handshake(c); err != nil {
		c.Close()
		return err
	}

	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	m.connected.Store(true)
	m.log.Info("radio connected", "node_num", m.myNodeNum.Load())
	return nil
}

// handshake puts the radio into protobuf mode and collects the initial
// config dump: own node number and the node table.
func (m *Manager) handshake(c Conn) error {
	cfgID := rand.Uint32()
	err := c.Send(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: cfgID},
	})
	if err != nil {
		return fmt.Errorf("request config: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	for time.Now().Before(deadline) {
		msg, err := c.Recv()
		if err != nil {
			return fmt.Errorf("read config dump: %w", err)
		}
		switch v := msg.GetPayloadVariant().(type) {
		case *pb.FromRadio_MyInfo:
			m.myNodeNum.Store(v.MyInfo.GetMyNodeNum())
		case *pb.FromRadio_NodeInfo:
			m.learnNodeInfo(v.NodeInfo)
		case *pb.FromRadio_ConfigCompleteId:
			if v.ConfigCompleteId != cfgID {
				continue
			}
			if m.myNodeNum.Load() == 0 {
				return errors.New("config complete without MyNodeInfo")
			}
			return nil
		case *pb.FromRadio_Packet:
			// Mesh traffic can interleave with the dump.
			m.deliver(v.Packet)
		}
	}
	return errors.New("timeout waiting for config complete")
}

func (m *Manager) readLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		c := m.connOrWait(ctx)
		if c == nil {
			return
		}

		msg, err := c.Recv()
		if err != nil {
			if ctx.Err() != nil || m.shuttingDown.Load() {
				return
			}
			m.onConnectionLost(ctx, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		m.handleFromRadio(msg)
	}
}

// connOrWait returns the live connection, waiting out reconnect windows.
func (m *Manager) connOrWait(ctx context.Context) Conn {
	for {
		m.mu.Lock()
		c := m.conn
		m.mu.Unlock()
		if c != nil {
			return c
		}
		if m.shuttingDown.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (m *Manager) handleFromRadio(msg *pb.FromRadio) {
	switch v := msg.GetPayloadVariant().(type) {
	case *pb.FromRadio_Packet:
		if m.isHeartbeatAck(v.Packet) {
			return
		}
		m.deliver(v.Packet)
	case *pb.FromRadio_NodeInfo:
		m.learnNodeInfo(v.NodeInfo)
	case *pb.FromRadio_MyInfo:
		m.myNodeNum.Store(v.MyInfo.GetMyNodeNum())
	case *pb.FromRadio_Metadata:
		m.ackProbe(v.Metadata.GetFirmwareVersion())
	}
}

func (m *Manager) deliver(pkt *pb.MeshPacket) {
	// Runtime node announcements refresh the table before anything else
	// sees the packet.
	if d := pkt.GetDecoded(); d != nil && d.GetPortnum() == pb.PortNum_NODEINFO_APP {
		m.learnUser(pkt.GetFrom(), d.GetPayload())
	}

	select {
	case m.packets <- pkt:
	default:
		m.log.Warn("incoming packet buffer full, dropping packet",
			"from", pkt.GetFrom(), "id", pkt.GetId())
	}
}

func (m *Manager) learnNodeInfo(n *pb.NodeInfo) {
	if n == nil || n.GetUser() == nil {
		return
	}
	m.nodesMu.Lock()
	m.nodes[n.GetNum()] = NodeIdentity{
		Longname:  n.GetUser().GetLongName(),
		Shortname: n.GetUser().GetShortName(),
	}
	m.nodesMu.Unlock()
}

func (m *Manager) learnUser(num uint32, payload []byte) {
	var u pb.User
	if err := proto.Unmarshal(payload, &u); err != nil {
		return
	}
	m.nodesMu.Lock()
	m.nodes[num] = NodeIdentity{Longname: u.GetLongName(), Shortname: u.GetShortName()}
	m.nodesMu.Unlock()
}

// onConnectionLost closes the dead link and drives the reconnect loop with
// 10s-to-300s backoff. Idempotent: a second caller returns immediately.
func (m *Manager) onConnectionLost(ctx context.Context, cause error) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	m.connected.Store(false)
	m.closeConn()
	m.log.Warn("radio connection lost, reconnecting", "error", cause)

	backoff := reconnectInitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if m.shuttingDown.Load() {
			return
		}

		if err := m.establish(ctx); err != nil {
			m.log.Warn("reconnect attempt failed", "error", err, "next_in", backoff)
			backoff *= 2
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
			continue
		}
		m.log.Info("radio reconnected")
		return
	}
}

func (m *Manager) closeConn() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c != nil {
		// A link that died underneath us may already be closed.
		if err := c.Close(); err != nil {
			m.log.Debug("closing dead radio link", "error", err)
		}
	}
}

// nextPacketID allocates a mesh packet id. Seeded randomly so restarts do not
// collide with ids still circulating in the mesh.
func (m *Manager) nextPacketID() uint32 {
	for {
		if id := m.packetID.Add(1); id != 0 {
			return id
		}
	}
}

func (m *Manager) sendPacket(pkt *pb.MeshPacket) (uint32, error) {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return 0, errors.New("radio not connected")
	}
	err := c.Send(&pb.ToRadio{PayloadVariant: &pb.ToRadio_Packet{Packet: pkt}})
	if err != nil {
		return 0, fmt.Errorf("send mesh packet: %w", err)
	}
	return pkt.GetId(), nil
}

// SendText broadcasts a text message on a channel and returns the packet id.
func (m *Manager) SendText(text string, channel int) (uint32, error) {
	return m.sendPacket(m.buildTextPacket(text, channel, 0))
}

// SendTextReply broadcasts a text message carrying a reply reference to an
// earlier mesh packet.
func (m *Manager) SendTextReply(text string, replyTo uint32, channel int) (uint32, error) {
	return m.sendPacket(m.buildTextPacket(text, channel, replyTo))
}

// SendData broadcasts a raw payload on a channel under the given portnum.
func (m *Manager) SendData(payload []byte, channel int, portnum pb.PortNum) (uint32, error) {
	pkt := &pb.MeshPacket{
		From:    m.myNodeNum.Load(),
		To:      BroadcastNum,
		Channel: uint32(channel),
		Id:      m.nextPacketID(),
		WantAck: true,
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum: portnum,
				Payload: payload,
			},
		},
	}
	return m.sendPacket(pkt)
}

func (m *Manager) buildTextPacket(text string, channel int, replyTo uint32) *pb.MeshPacket {
	return &pb.MeshPacket{
		From:    m.myNodeNum.Load(),
		To:      BroadcastNum,
		Channel: uint32(channel),
		Id:      m.nextPacketID(),
		WantAck: true,
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum: pb.PortNum_TEXT_MESSAGE_APP,
				Payload: []byte(text),
				ReplyId: replyTo,
			},
		},
	}
}
