package commands

import (
	"context"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
)

// Responder answers interactions. *session.Session satisfies it.
type Responder interface {
	RespondInteraction(id discord.InteractionID, token string, resp api.InteractionResponse) error
	SendMessage(channelID discord.ChannelID, content string, embeds ...discord.Embed) (*discord.Message, error)
}

// Command defines the interface for slash commands.
type Command interface {
	Name() string
	Description() string
	Options() []discord.CommandOption
	Execute(ctx context.Context, s Responder, e *gateway.InteractionCreateEvent, data *discord.CommandInteraction) error
}
