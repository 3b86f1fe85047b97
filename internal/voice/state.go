package voice

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Session states.
const (
	StateConnecting       = "connecting"
	StateIdentified       = "identified"
	StateAwaitingReady    = "awaiting_ready"
	StateDiscovering      = "discovering"
	StateProtocolSelected = "protocol_selected"
	StateReady            = "ready"
	StateStreaming        = "streaming"
	StateClosed           = "closed"
)

// Session events.
const (
	eventIdentify           = "identify"
	eventAwaitReady         = "await_ready"
	eventReady              = "ready"
	eventProtocolSelected   = "protocol_selected"
	eventSessionDescription = "session_description"
	eventPlay               = "play"
	eventPause              = "pause"
	eventClose              = "close"
)

func newHandshakeFSM(logger *zap.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: eventIdentify, Src: []string{StateConnecting}, Dst: StateIdentified},
			{Name: eventAwaitReady, Src: []string{StateIdentified}, Dst: StateAwaitingReady},
			{Name: eventReady, Src: []string{StateAwaitingReady}, Dst: StateDiscovering},
			{Name: eventProtocolSelected, Src: []string{StateDiscovering}, Dst: StateProtocolSelected},
			{Name: eventSessionDescription, Src: []string{StateProtocolSelected}, Dst: StateReady},
			{Name: eventPlay, Src: []string{StateReady}, Dst: StateStreaming},
			{Name: eventPause, Src: []string{StateStreaming}, Dst: StateReady},
			{Name: eventClose, Src: []string{
				StateConnecting,
				StateIdentified,
				StateAwaitingReady,
				StateDiscovering,
				StateProtocolSelected,
				StateReady,
				StateStreaming,
			}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Voice session state changed",
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
}
