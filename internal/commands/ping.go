package commands

import (
	"context"
	"fmt"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/utils/json/option"
)

// PingCommand is a simple command that responds with "Pong!".
type PingCommand struct {
	voice VoiceController
}

// NewPingCommand creates a new PingCommand instance.
// This constructor will be used by Fx.
func NewPingCommand(vc VoiceController) Command {
	return &PingCommand{voice: vc}
}

// Name returns the name of the command.
func (c *PingCommand) Name() string {
	return "ping"
}

// Description returns the description of the command.
func (c *PingCommand) Description() string {
	return "Responds with Pong!"
}

// Options returns the command options.
func (c *PingCommand) Options() []discord.CommandOption {
	return nil // No options for this command
}

// Execute runs the command.
func (c *PingCommand) Execute(ctx context.Context, s Responder, e *gateway.InteractionCreateEvent, data *discord.CommandInteraction) error {
	content := "Pong!"
	if c.voice != nil {
		content = fmt.Sprintf("Pong! %d active voice session(s).", len(c.voice.Sessions()))
	}

	return s.RespondInteraction(e.ID, e.Token, api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString(content),
		},
	})
}
