package server

import (
	"sync/atomic"

	"github.com/samiralibabic/scriptd/internal/engine"
	"github.com/samiralibabic/scriptd/internal/events"
	"github.com/samiralibabic/scriptd/internal/protocol"
	"github.com/samiralibabic/scriptd/internal/rpc"
	"github.com/samiralibabic/scriptd/internal/session"
)

// busObserver turns engine callbacks into notifications for connected
// clients.
type busObserver struct {
	bus *events.Bus
	seq atomic.Int64
}

func newBusObserver(bus *events.Bus) *busObserver {
	return &busObserver{bus: bus}
}

func (o *busObserver) Message(h engine.Handle, msg protocol.Message) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	o.bus.Publish(h.RunID, rpc.NotifyPromptMessage, rpc.PromptMessageEvent{RunID: h.RunID, Message: raw})
}

func (o *busObserver) Resolved(h engine.Handle, r session.Resolution) {
	o.bus.Publish(h.RunID, rpc.NotifyPromptResolved, rpc.PromptResolvedEvent{
		RunID: h.RunID,
		ID:    r.ID,
		State: r.State.String(),
		Value: r.Value,
	})
}

func (o *busObserver) TermOutput(h engine.Handle, data []byte) {
	o.bus.Publish(h.RunID, rpc.NotifyTermOutput, rpc.TermOutputEvent{
		RunID:    h.RunID,
		ID:       h.PromptID,
		Seq:      o.seq.Add(1),
		Data:     string(data),
		Encoding: "utf8",
	})
}

func (o *busObserver) Exited(ev engine.ExitEvent) {
	o.bus.Publish(ev.RunID, rpc.NotifyScriptExit, ev)
}
