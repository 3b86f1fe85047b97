// Package voice implements the Discord voice transport: the control channel
// handshake, UDP media with IP discovery, RTP framing and real-time pacing.
package voice

import (
	"github.com/diamondburned/arikawa/v3/session"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/config"
	"github.com/Raikerian/go-discord-voice/internal/directory"
	"github.com/Raikerian/go-discord-voice/internal/metrics"
)

// Module provides the voice service.
var Module = fx.Module("voice",
	fx.Provide(
		NewConnectorProvider,
		NewServiceProvider,
	),
)

// NewServiceProvider creates the Service with production transports.
func NewServiceProvider(cfg *config.Config, m *metrics.Voice, connector Connector, logger *zap.Logger) *Service {
	return NewService(logger.Named("voice"), cfg, m, connector)
}

// ConnectorParams holds dependencies for NewConnectorProvider.
type ConnectorParams struct {
	fx.In

	Cfg       *config.Config
	Session   *session.Session
	Directory *directory.Directory
	Logger    *zap.Logger
}

// NewConnectorProvider creates the gateway Connector.
func NewConnectorProvider(params ConnectorParams) Connector {
	return NewGatewayConnector(
		params.Logger.Named("connector"),
		params.Session,
		params.Directory,
		params.Cfg.Voice.HandshakeTimeout.Std(),
		params.Cfg.Voice.SelfDeaf,
	)
}
