package directory

import (
	"github.com/diamondburned/arikawa/v3/gateway"
	"github.com/diamondburned/arikawa/v3/state"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Raikerian/go-discord-voice/internal/config"
)

// Module provides the Directory.
var Module = fx.Module("directory",
	fx.Provide(NewDirectoryProvider),
	fx.Invoke(registerInvalidation),
)

// NewDirectoryProvider creates a Directory over the gateway state with a config-derived size.
func NewDirectoryProvider(cfg *config.Config, st *state.State, logger *zap.Logger) (*Directory, error) {
	size := cfg.Directory.CacheSize
	if size <= 0 {
		logger.Warn("Directory cache size is not configured or is invalid, defaulting to 256",
			zap.Int("configuredSize", size))
		size = 256
	}
	logger.Info("Creating Directory", zap.Int("size", size))

	return New(st, size, logger.Named("directory"))
}

// registerInvalidation evicts entries the gateway reports as changed.
func registerInvalidation(st *state.State, d *Directory) {
	st.AddHandler(func(e *gateway.ChannelUpdateEvent) {
		d.ForgetChannel(e.ID)
	})
	st.AddHandler(func(e *gateway.ChannelDeleteEvent) {
		d.ForgetChannel(e.ID)
	})
	st.AddHandler(func(e *gateway.GuildUpdateEvent) {
		d.ForgetGuild(e.ID)
	})
}
