package meshtastic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	pb "github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"
	"tinygo.org/x/bluetooth"
)

// Meshtastic BLE GATT identifiers.
var (
	bleServiceUUID   = mustUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafd")
	bleToRadioUUID   = mustUUID("f75c76d2-129e-4dad-a1dd-7866124401e7")
	bleFromRadioUUID = mustUUID("8ba2bcc2-ee02-4a55-a531-c525c5e454d5")
	bleFromNumUUID   = mustUUID("ed9da18c-a800-4f66-a670-aa7547e34453")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// BLEDialer returns a DialFunc connecting to a radio over Bluetooth LE. The
// radio signals pending data by notifying the fromnum characteristic; each
// notification triggers a drain of the fromradio characteristic.
func BLEDialer(address string, log *slog.Logger) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		adapter := bluetooth.DefaultAdapter
		if err := adapter.Enable(); err != nil {
			return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
		}

		mac, err := bluetooth.ParseMAC(address)
		if err != nil {
			return nil, fmt.Errorf("parse ble address %q: %w", address, err)
		}
		addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

		dev, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", address, err)
		}

		svcs, err := dev.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
		if err != nil {
			dev.Disconnect()
			return nil, fmt.Errorf("discover meshtastic service: %w", err)
		}
		if len(svcs) == 0 {
			dev.Disconnect()
			return nil, fmt.Errorf("device %s does not expose the meshtastic service", address)
		}

		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{
			bleToRadioUUID, bleFromRadioUUID, bleFromNumUUID,
		})
		if err != nil || len(chars) < 3 {
			dev.Disconnect()
			return nil, fmt.Errorf("discover meshtastic characteristics: %w", err)
		}

		c := &bleConn{
			dev:       dev,
			toRadio:   chars[0],
			fromRadio: chars[1],
			frames:    make(chan []byte, 64),
			closed:    make(chan struct{}),
			log:       log,
		}

		if err := chars[2].EnableNotifications(func([]byte) {
			go c.drain()
		}); err != nil {
			dev.Disconnect()
			return nil, fmt.Errorf("subscribe fromnum notifications: %w", err)
		}

		// The stack reports link drops here; closing the conn turns the
		// blocked Recv into io.EOF so the manager reconnects.
		adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if !connected && d.Address.String() == addr.String() {
				log.Warn("ble link dropped", "address", address)
				c.once.Do(func() { close(c.closed) })
			}
		})

		log.Info("ble link established", "address", address)
		// Pick up anything the radio queued before we subscribed.
		go c.drain()
		return c, nil
	}
}

type bleConn struct {
	dev       bluetooth.Device
	toRadio   bluetooth.DeviceCharacteristic
	fromRadio bluetooth.DeviceCharacteristic
	frames    chan []byte
	closed    chan struct{}
	once      sync.Once
	readMu    sync.Mutex
	log       *slog.Logger
}

// drain reads fromradio until the radio returns an empty payload. Serialized
// so overlapping notifications cannot interleave reads.
func (c *bleConn) drain() {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		buf := make([]byte, maxFrameSize)
		n, err := c.fromRadio.Read(buf)
		if err != nil || n == 0 {
			return
		}
		select {
		case c.frames <- buf[:n]:
		case <-c.closed:
			return
		default:
			c.log.Warn("ble receive buffer full, dropping frame")
		}
	}
}

func (c *bleConn) Recv() (*pb.FromRadio, error) {
	for {
		select {
		case <-c.closed:
			return nil, io.EOF
		case frame := <-c.frames:
			msg := &pb.FromRadio{}
			if err := proto.Unmarshal(frame, msg); err != nil {
				c.log.Debug("discarding malformed ble frame", "len", len(frame))
				continue
			}
			return msg, nil
		}
	}
}

func (c *bleConn) Send(msg *pb.ToRadio) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ToRadio: %w", err)
	}
	if _, err := c.toRadio.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write toradio characteristic: %w", err)
	}
	return nil
}

func (c *bleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.dev.Disconnect()
}
