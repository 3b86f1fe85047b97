package bot

import (
	"context"
	"errors"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/session"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/commands"
	"github.com/Raikerian/go-discord-voice/internal/config"
	"github.com/Raikerian/go-discord-voice/internal/voice"
)

// Bot represents the Discord bot.
type Bot struct {
	Session    *session.Session
	Config     *config.Config
	CmdManager *commands.CommandManager
	Voice      *voice.Service
	Logger     *zap.Logger
}

// NewBotParameters holds dependencies for NewBot.
type NewBotParameters struct {
	fx.In

	Cfg        *config.Config
	S          *session.Session
	CmdManager *commands.CommandManager
	Voice      *voice.Service
	Logger     *zap.Logger
}

// NewBot creates and initializes a new Bot.
func NewBot(params NewBotParameters) (*Bot, error) {
	if params.S == nil {
		return nil, errors.New("session provided to NewBot is nil")
	}
	if params.Cfg == nil {
		return nil, errors.New("config provided to NewBot is nil")
	}
	if params.Logger == nil {
		return nil, errors.New("logger provided to NewBot is nil")
	}

	b := &Bot{
		Session:    params.S,
		Config:     params.Cfg,
		CmdManager: params.CmdManager,
		Voice:      params.Voice,
		Logger:     params.Logger,
	}

	params.S.AddHandler(func(e *gateway.InteractionCreateEvent) {
		handleInteraction(context.Background(), b.CmdManager, params.S, e, params.Logger)
	})

	params.Logger.Info("NewBot created successfully")

	return b, nil
}

// Start registers slash commands. Session opening is handled by the Fx lifecycle.
func (b *Bot) Start(_ context.Context) error {
	b.Logger.Info("Registering slash commands...")

	if b.CmdManager == nil {
		return errors.New("command manager is not initialized in Bot")
	}

	guildIDs := b.guildIDs()
	if len(guildIDs) == 0 {
		b.Logger.Warn("No GuildIDs found in config. Commands will not be registered.")
	}

	b.CmdManager.RegisterCommands(guildIDs)

	return nil
}

// Stop leaves every voice channel and unregisters the slash commands.
// Session closing is handled by the Fx lifecycle.
func (b *Bot) Stop(ctx context.Context) error {
	var err error
	if b.Voice != nil {
		b.Logger.Info("Shutting down voice sessions...")
		err = b.Voice.Shutdown(ctx)
	}

	if b.CmdManager != nil {
		b.CmdManager.UnregisterAllCommands(b.guildIDs())
	}

	return err
}

func (b *Bot) guildIDs() []discord.GuildID {
	var guildIDs []discord.GuildID
	for _, idStr := range b.Config.Discord.GuildIDs {
		sf, err := discord.ParseSnowflake(idStr)
		if err != nil {
			b.Logger.Error("Failed to parse guild ID string to Snowflake", zap.String("guildIDStr", idStr), zap.Error(err))

			continue
		}
		guildIDs = append(guildIDs, discord.GuildID(sf))
	}

	return guildIDs
}
