package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/utils/json/option"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/directory"
	"github.com/Raikerian/go-discord-voice/internal/voice"
)

// VoiceController is the voice service surface the commands drive.
// *voice.Service satisfies it.
type VoiceController interface {
	Join(ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID) (*voice.Session, error)
	OpenMedia(ctx context.Context, name string) (io.ReadCloser, error)
	Play(ctx context.Context, guildID discord.GuildID, src io.ReadCloser) (voice.StopReason, error)
	Stop(guildID discord.GuildID) error
	Leave(ctx context.Context, guildID discord.GuildID) error
	Status(guildID discord.GuildID) (voice.SessionStatus, error)
	Sessions() []voice.SessionStatus
}

// VoiceLocator finds the voice channel a member is in and names channels and
// guilds. *directory.Directory satisfies it.
type VoiceLocator interface {
	UserVoiceChannel(guildID discord.GuildID, userID discord.UserID) (discord.ChannelID, error)
	Channel(id discord.ChannelID) (discord.Channel, error)
	Guild(id discord.GuildID) (discord.Guild, error)
}

// voiceCommand holds what every voice command shares.
type voiceCommand struct {
	logger  *zap.Logger
	voice   VoiceController
	locator VoiceLocator
}

func (c *voiceCommand) respond(s Responder, e *gateway.InteractionCreateEvent, message string) error {
	return s.RespondInteraction(e.ID, e.Token, api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString(message),
		},
	})
}

func (c *voiceCommand) respondError(s Responder, e *gateway.InteractionCreateEvent, message string) error {
	err := s.RespondInteraction(e.ID, e.Token, api.InteractionResponse{
		Type: api.MessageInteractionWithSource,
		Data: &api.InteractionResponseData{
			Content: option.NewNullableString("❌ " + message),
			Flags:   discord.EphemeralMessage,
		},
	})
	if err != nil {
		c.logger.Error("Failed to send error response", zap.Error(err), zap.String("message", message))
	}

	return err
}

func (c *voiceCommand) followUp(s Responder, channelID discord.ChannelID, message string) {
	if _, err := s.SendMessage(channelID, message); err != nil {
		c.logger.Error("Failed to send follow-up message", zap.Error(err))
	}
}

// PlayCommand joins the caller's voice channel and plays a file from the media directory.
type PlayCommand struct {
	voiceCommand
}

// NewPlayCommand creates a new PlayCommand.
func NewPlayCommand(logger *zap.Logger, vc VoiceController, locator VoiceLocator) Command {
	return &PlayCommand{voiceCommand{logger: logger, voice: vc, locator: locator}}
}

func (c *PlayCommand) Name() string {
	return "play"
}

func (c *PlayCommand) Description() string {
	return "Play an audio file in your voice channel"
}

func (c *PlayCommand) Options() []discord.CommandOption {
	return []discord.CommandOption{
		&discord.StringOption{
			OptionName:  "file",
			Description: "File name in the media directory",
			Required:    true,
		},
	}
}

func (c *PlayCommand) Execute(ctx context.Context, s Responder, e *gateway.InteractionCreateEvent, data *discord.CommandInteraction) error {
	if !e.GuildID.IsValid() {
		return c.respondError(s, e, "Voice commands can only be used in servers")
	}

	var file string
	for _, opt := range data.Options {
		if opt.Name == "file" {
			file = strings.TrimSpace(opt.String())
		}
	}
	if file == "" {
		return c.respondError(s, e, "Tell me which file to play")
	}

	guildID := e.GuildID
	userID := e.SenderID()

	channelID, err := c.locator.UserVoiceChannel(guildID, userID)
	if err != nil {
		c.logger.Debug("Failed to get user voice channel",
			zap.Error(err),
			zap.Stringer("user_id", userID),
			zap.Stringer("guild_id", guildID))

		return c.respondError(s, e, "Please join a voice channel first")
	}

	channel, err := c.locator.Channel(channelID)
	if err != nil {
		c.logger.Warn("Failed to look up voice channel", zap.Error(err), zap.Stringer("channel_id", channelID))

		return c.respondError(s, e, "Could not find your voice channel")
	}
	if channel.Type != discord.GuildVoice && channel.Type != discord.GuildStageVoice {
		return c.respondError(s, e, "I can only play in voice channels")
	}

	// The decoder outlives this interaction.
	src, err := c.voice.OpenMedia(context.WithoutCancel(ctx), file)
	if err != nil {
		c.logger.Debug("Failed to open media", zap.String("file", file), zap.Error(err))
		if errors.Is(err, voice.ErrMediaNotFound) {
			return c.respondError(s, e, fmt.Sprintf("No file named `%s`", file))
		}

		return c.respondError(s, e, "Could not open that file")
	}

	if err := c.respond(s, e, fmt.Sprintf("🔊 Playing `%s` in <#%s>", file, channelID)); err != nil {
		_ = src.Close()

		return err
	}

	textChannelID := e.ChannelID

	// Joining and playback outlive the interaction.
	go func() {
		joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := c.voice.Join(joinCtx, guildID, channelID); err != nil {
			_ = src.Close()
			c.logger.Error("Failed to join voice channel",
				zap.Error(err),
				zap.Stringer("guild_id", guildID),
				zap.Stringer("channel_id", channelID))
			c.followUp(s, textChannelID, "❌ Failed to join the voice channel: "+err.Error())

			return
		}

		reason, err := c.voice.Play(context.Background(), guildID, src)
		if err != nil {
			c.logger.Warn("Playback failed", zap.Error(err), zap.Stringer("guild_id", guildID))
			c.followUp(s, textChannelID, "❌ Playback failed: "+err.Error())

			return
		}

		c.logger.Info("Playback finished",
			zap.String("file", file),
			zap.Stringer("reason", reason),
			zap.Stringer("guild_id", guildID))

		if reason == voice.StopReasonSendFailed {
			c.followUp(s, textChannelID, "⚠️ Playback stopped: lost the voice connection")
		}
	}()

	return nil
}

// StopCommand stops the current playback.
type StopCommand struct {
	voiceCommand
}

// NewStopCommand creates a new StopCommand.
func NewStopCommand(logger *zap.Logger, vc VoiceController) Command {
	return &StopCommand{voiceCommand{logger: logger, voice: vc}}
}

func (c *StopCommand) Name() string {
	return "stop"
}

func (c *StopCommand) Description() string {
	return "Stop playback"
}

func (c *StopCommand) Options() []discord.CommandOption {
	return nil
}

func (c *StopCommand) Execute(_ context.Context, s Responder, e *gateway.InteractionCreateEvent, _ *discord.CommandInteraction) error {
	status, err := c.voice.Status(e.GuildID)
	if err != nil || !status.Playing {
		return c.respondError(s, e, "Nothing is playing in this server")
	}

	if err := c.voice.Stop(e.GuildID); err != nil {
		if errors.Is(err, voice.ErrSessionNotFound) {
			return c.respondError(s, e, "Nothing is playing in this server")
		}

		return c.respondError(s, e, "Failed to stop playback: "+err.Error())
	}

	return c.respond(s, e, "⏹️ Stopped")
}

// LeaveCommand disconnects from voice.
type LeaveCommand struct {
	voiceCommand
}

// NewLeaveCommand creates a new LeaveCommand.
func NewLeaveCommand(logger *zap.Logger, vc VoiceController) Command {
	return &LeaveCommand{voiceCommand{logger: logger, voice: vc}}
}

func (c *LeaveCommand) Name() string {
	return "leave"
}

func (c *LeaveCommand) Description() string {
	return "Leave the voice channel"
}

func (c *LeaveCommand) Options() []discord.CommandOption {
	return nil
}

func (c *LeaveCommand) Execute(ctx context.Context, s Responder, e *gateway.InteractionCreateEvent, _ *discord.CommandInteraction) error {
	if err := c.voice.Leave(ctx, e.GuildID); err != nil {
		if errors.Is(err, voice.ErrSessionNotFound) {
			return c.respondError(s, e, "I'm not in a voice channel")
		}

		c.logger.Error("Failed to leave voice channel", zap.Error(err), zap.Stringer("guild_id", e.GuildID))

		return c.respondError(s, e, "Failed to leave: "+err.Error())
	}

	return c.respond(s, e, "👋 Left the voice channel")
}

// StatusCommand reports on the guild's voice session.
type StatusCommand struct {
	voiceCommand
}

// NewStatusCommand creates a new StatusCommand.
func NewStatusCommand(logger *zap.Logger, vc VoiceController, locator VoiceLocator) Command {
	return &StatusCommand{voiceCommand{logger: logger, voice: vc, locator: locator}}
}

func (c *StatusCommand) Name() string {
	return "status"
}

func (c *StatusCommand) Description() string {
	return "Show the voice connection status"
}

func (c *StatusCommand) Options() []discord.CommandOption {
	return nil
}

func (c *StatusCommand) Execute(_ context.Context, s Responder, e *gateway.InteractionCreateEvent, _ *discord.CommandInteraction) error {
	status, err := c.voice.Status(e.GuildID)
	if err != nil {
		return c.respond(s, e, "Not connected to voice in this server")
	}

	playing := "idle"
	if status.Playing {
		playing = "playing"
	}

	return c.respond(s, e, fmt.Sprintf("🔊 Channel: %s in %s\n📡 State: `%s` (%s)\n🆔 SSRC: `%d`\n🔐 Mode: `%s`\n⏱️ Connected: %s",
		c.channelName(status.ChannelID), c.guildName(status.GuildID),
		status.State, playing, status.SSRC, status.Mode,
		time.Since(status.StartTime).Round(time.Second)))
}

// channelName falls back to a mention when the channel is unknown.
func (c *StatusCommand) channelName(id discord.ChannelID) string {
	ch, err := c.locator.Channel(id)
	if err != nil {
		return fmt.Sprintf("<#%s>", id)
	}

	return "**" + ch.Name + "**"
}

func (c *StatusCommand) guildName(id discord.GuildID) string {
	g, err := c.locator.Guild(id)
	if err != nil {
		return "this server"
	}

	return "**" + g.Name + "**"
}

var (
	_ VoiceController = (*voice.Service)(nil)
	_ VoiceLocator    = (*directory.Directory)(nil)
)
