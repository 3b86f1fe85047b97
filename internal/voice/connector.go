package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/utils/ws"
	"go.uber.org/zap"
)

// GatewaySession is the part of the main gateway session the connector uses.
// *session.Session and *state.State satisfy it.
type GatewaySession interface {
	AddHandler(handler interface{}) (rm func())
	SendGateway(ctx context.Context, cmd ws.Event) error
}

// UserLookup returns the bot's own user.
type UserLookup interface {
	Me() (discord.User, error)
}

// Connector moves the bot in and out of voice channels on the main gateway
// and collects the identifiers a voice session needs.
type Connector interface {
	Join(ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID) (Params, error)
	Leave(ctx context.Context, guildID discord.GuildID) error
}

type gatewayConnector struct {
	logger   *zap.Logger
	gateway  GatewaySession
	users    UserLookup
	timeout  time.Duration
	selfDeaf bool
}

// NewGatewayConnector creates a Connector. timeout bounds the wait for the
// voice state and voice server events after a join request.
func NewGatewayConnector(logger *zap.Logger, gw GatewaySession, users UserLookup, timeout time.Duration, selfDeaf bool) Connector {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	return &gatewayConnector{
		logger:   logger,
		gateway:  gw,
		users:    users,
		timeout:  timeout,
		selfDeaf: selfDeaf,
	}
}

func (c *gatewayConnector) Join(ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID) (Params, error) {
	me, err := c.users.Me()
	if err != nil {
		return Params{}, fmt.Errorf("failed to look up bot user: %w", err)
	}

	sessionIDs := make(chan string, 1)
	servers := make(chan gateway.VoiceServerUpdateEvent, 1)

	rmState := c.gateway.AddHandler(func(e *gateway.VoiceStateUpdateEvent) {
		if e.GuildID != guildID || e.UserID != me.ID || e.ChannelID != channelID {
			return
		}
		select {
		case sessionIDs <- e.SessionID:
		default:
		}
	})
	defer rmState()

	rmServer := c.gateway.AddHandler(func(e *gateway.VoiceServerUpdateEvent) {
		if e.GuildID != guildID {
			return
		}
		// An empty endpoint means the server is not allocated yet; another update follows.
		if e.Endpoint == "" {
			return
		}
		select {
		case servers <- *e:
		default:
		}
	})
	defer rmServer()

	c.logger.Info("Requesting voice channel join",
		zap.Stringer("guild_id", guildID),
		zap.Stringer("channel_id", channelID))

	if err := c.gateway.SendGateway(ctx, &gateway.UpdateVoiceStateCommand{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  false,
		SelfDeaf:  c.selfDeaf,
	}); err != nil {
		return Params{}, fmt.Errorf("failed to send voice state update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := Params{GuildID: guildID, ChannelID: channelID, UserID: me.ID}
	gotServer := false

	for params.SessionID == "" || !gotServer {
		select {
		case id := <-sessionIDs:
			params.SessionID = id
		case ev := <-servers:
			params.Token = ev.Token
			params.Endpoint = ev.Endpoint
			gotServer = true
		case <-ctx.Done():
			return Params{}, fmt.Errorf("%w: waiting for voice server: %w", ErrHandshakeTimeout, ctx.Err())
		}
	}

	c.logger.Debug("Voice server allocated",
		zap.Stringer("guild_id", guildID),
		zap.String("endpoint", params.Endpoint))

	return params, nil
}

func (c *gatewayConnector) Leave(ctx context.Context, guildID discord.GuildID) error {
	c.logger.Info("Leaving voice channel", zap.Stringer("guild_id", guildID))

	if err := c.gateway.SendGateway(ctx, &gateway.UpdateVoiceStateCommand{
		GuildID:   guildID,
		ChannelID: discord.NullChannelID,
	}); err != nil {
		return fmt.Errorf("failed to send voice state update: %w", err)
	}

	return nil
}
