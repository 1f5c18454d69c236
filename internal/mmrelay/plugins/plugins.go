// Package plugins defines the relay's plugin contract and the priority
// dispatcher that offers traffic from both networks to loaded plugins.
package plugins

import (
	"context"
	"log/slog"
	"sort"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/event"
)

// Plugin is implemented by every loadable relay plugin. Handlers return true
// to consume a message and stop further processing, including the relay's
// own forwarding.
type Plugin interface {
	Name() string
	// Priority orders dispatch; lower runs first.
	Priority() int
	// MatrixCommands lists the !command tokens this plugin claims in rooms.
	MatrixCommands() []string
	// MeshCommands lists the command tokens this plugin claims on the mesh.
	MeshCommands() []string

	HandleMesh(ctx context.Context, pkt *pb.MeshPacket, formatted, longname, meshnet string) (bool, error)
	HandleMatrix(ctx context.Context, evt *event.Event, fullMessage string) (bool, error)
}

// Dispatcher holds the loaded plugins in priority order.
type Dispatcher struct {
	plugins []Plugin
	log     *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Register adds a plugin, keeping the list sorted by priority. Called once
// per plugin at startup; not safe against concurrent dispatch.
func (d *Dispatcher) Register(p Plugin) {
	d.plugins = append(d.plugins, p)
	sort.SliceStable(d.plugins, func(i, j int) bool {
		return d.plugins[i].Priority() < d.plugins[j].Priority()
	})
	d.log.Info("plugin registered", "name", p.Name(), "priority", p.Priority())
}

// Plugins returns the dispatch order.
func (d *Dispatcher) Plugins() []Plugin { return d.plugins }

// MatrixCommands returns every command token claimed by any plugin.
func (d *Dispatcher) MatrixCommands() []string {
	var cmds []string
	for _, p := range d.plugins {
		cmds = append(cmds, p.MatrixCommands()...)
	}
	return cmds
}

// DispatchMesh offers a mesh packet to each plugin in order. Returns true as
// soon as one consumes it. A failing handler is logged and skipped.
func (d *Dispatcher) DispatchMesh(ctx context.Context, pkt *pb.MeshPacket, formatted, longname, meshnet string) bool {
	for _, p := range d.plugins {
		handled, err := p.HandleMesh(ctx, pkt, formatted, longname, meshnet)
		if err != nil {
			d.log.Error("plugin mesh handler failed", "plugin", p.Name(), "error", err)
			continue
		}
		if handled {
			d.log.Debug("mesh packet consumed by plugin", "plugin", p.Name())
			return true
		}
	}
	return false
}

// DispatchMatrix offers a Matrix event to each plugin in order.
func (d *Dispatcher) DispatchMatrix(ctx context.Context, evt *event.Event, fullMessage string) bool {
	for _, p := range d.plugins {
		handled, err := p.HandleMatrix(ctx, evt, fullMessage)
		if err != nil {
			d.log.Error("plugin matrix handler failed", "plugin", p.Name(), "error", err)
			continue
		}
		if handled {
			d.log.Debug("matrix event consumed by plugin", "plugin", p.Name())
			return true
		}
	}
	return false
}
