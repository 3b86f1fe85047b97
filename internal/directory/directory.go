// Package directory resolves Discord channels, guilds and voice states for the
// voice layer, with an LRU cache in front of the gateway state.
package directory

import (
	"errors"
	"fmt"

	"github.com/diamondburned/arikawa/v3/discord"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup has no answer.
var ErrNotFound = errors.New("not found")

// Source is the authoritative lookup. *state.State satisfies it.
type Source interface {
	Channel(id discord.ChannelID) (*discord.Channel, error)
	Guild(id discord.GuildID) (*discord.Guild, error)
	Me() (*discord.User, error)
	VoiceState(guildID discord.GuildID, userID discord.UserID) (*discord.VoiceState, error)
}

// Directory caches channel and guild lookups. Voice states are never cached
// since they change on every move.
type Directory struct {
	logger   *zap.Logger
	source   Source
	channels *lru.Cache[discord.ChannelID, discord.Channel]
	guilds   *lru.Cache[discord.GuildID, discord.Guild]
}

// New creates a Directory holding up to size entries of each kind.
func New(source Source, size int, logger *zap.Logger) (*Directory, error) {
	channels, err := lru.New[discord.ChannelID, discord.Channel](size)
	if err != nil {
		return nil, err
	}

	guilds, err := lru.New[discord.GuildID, discord.Guild](size)
	if err != nil {
		return nil, err
	}

	return &Directory{
		logger:   logger,
		source:   source,
		channels: channels,
		guilds:   guilds,
	}, nil
}

// Channel looks up a channel by id.
func (d *Directory) Channel(id discord.ChannelID) (discord.Channel, error) {
	if ch, ok := d.channels.Get(id); ok {
		return ch, nil
	}

	ch, err := d.source.Channel(id)
	if err != nil || ch == nil {
		d.logger.Debug("Channel lookup failed", zap.Stringer("channel_id", id), zap.Error(err))

		return discord.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}

	d.channels.Add(id, *ch)

	return *ch, nil
}

// Guild looks up a guild by id.
func (d *Directory) Guild(id discord.GuildID) (discord.Guild, error) {
	if g, ok := d.guilds.Get(id); ok {
		return g, nil
	}

	g, err := d.source.Guild(id)
	if err != nil || g == nil {
		d.logger.Debug("Guild lookup failed", zap.Stringer("guild_id", id), zap.Error(err))

		return discord.Guild{}, fmt.Errorf("guild %s: %w", id, ErrNotFound)
	}

	d.guilds.Add(id, *g)

	return *g, nil
}

// Me returns the bot user.
func (d *Directory) Me() (discord.User, error) {
	u, err := d.source.Me()
	if err != nil || u == nil {
		return discord.User{}, fmt.Errorf("current user: %w", ErrNotFound)
	}

	return *u, nil
}

// UserVoiceChannel returns the voice channel a user is connected to in a guild.
func (d *Directory) UserVoiceChannel(guildID discord.GuildID, userID discord.UserID) (discord.ChannelID, error) {
	vs, err := d.source.VoiceState(guildID, userID)
	if err != nil || vs == nil || !vs.ChannelID.IsValid() {
		return 0, fmt.Errorf("voice state of %s: %w", userID, ErrNotFound)
	}

	return vs.ChannelID, nil
}

// ForgetChannel drops a cached channel.
func (d *Directory) ForgetChannel(id discord.ChannelID) {
	d.channels.Remove(id)
}

// ForgetGuild drops a cached guild.
func (d *Directory) ForgetGuild(id discord.GuildID) {
	d.guilds.Remove(id)
}

// Len returns the number of cached entries.
func (d *Directory) Len() int {
	return d.channels.Len() + d.guilds.Len()
}
