// Package commands provides command infrastructure and Fx modules.
package commands

import (
	"github.com/diamondburned/arikawa/v3/session"
	"go.uber.org/fx"

	"github.com/Raikerian/go-discord-voice/internal/directory"
	"github.com/Raikerian/go-discord-voice/internal/voice"
)

// Module provides command-related dependencies.
var Module = fx.Module("commands",
	fx.Provide(
		NewCommandManager,
		func(s *session.Session) Registrar { return s },
		func(s *voice.Service) VoiceController { return s },
		func(d *directory.Directory) VoiceLocator { return d },
		// Command providers with proper grouping
		asCommand(NewPingCommand),
		asCommand(NewVersionCommand),
		asCommand(NewPlayCommand),
		asCommand(NewStopCommand),
		asCommand(NewLeaveCommand),
		asCommand(NewStatusCommand),
	),
)

func asCommand(constructor any) any {
	return fx.Annotate(
		constructor,
		fx.As(new(Command)),
		fx.ResultTags(`group:"commands"`),
	)
}
