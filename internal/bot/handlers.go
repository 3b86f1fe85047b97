package bot

import (
	"context"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/utils/json/option"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/commands"
)

// CommandLookup finds loaded commands. *commands.CommandManager satisfies it.
type CommandLookup interface {
	GetCommand(name string) (commands.Command, bool)
}

func handleInteraction(ctx context.Context, cm CommandLookup, s commands.Responder, e *gateway.InteractionCreateEvent, logger *zap.Logger) {
	data, ok := e.Data.(*discord.CommandInteraction)
	if !ok {
		logger.Debug("Received unhandled interaction type", zap.Any("type", e.Data))

		return
	}

	logger.Info("Received slash command",
		zap.String("commandName", data.Name),
		zap.Stringer("user", e.SenderID()))

	cmd, ok := cm.GetCommand(data.Name)
	if !ok {
		logger.Warn("Unknown command", zap.String("commandName", data.Name))
		respond(s, e, "Command not found.", logger)

		return
	}

	if err := cmd.Execute(ctx, s, e, data); err != nil {
		logger.Error("Error executing command", zap.String("commandName", data.Name), zap.Error(err))
		respond(s, e, "An error occurred while executing the command.", logger)

		return
	}

	logger.Debug("Command executed successfully", zap.String("commandName", data.Name))
}

func respond(s commands.Responder, e *gateway.InteractionCreateEvent, content string, logger *zap.Logger) {
	err := s.RespondInteraction(e.ID, e.Token, api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString(content),
		},
	})
	if err != nil {
		logger.Error("Failed to respond to interaction", zap.Error(err))
	}
}
