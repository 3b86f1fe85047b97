package commands

import (
	"github.com/diamondburned/arikawa/v3/api"
	"github.com/diamondburned/arikawa/v3/discord"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Registrar publishes slash commands. *session.Session satisfies it.
type Registrar interface {
	BulkOverwriteGuildCommands(appID discord.AppID, guildID discord.GuildID, cmds []api.CreateCommandData) ([]discord.Command, error)
}

// CommandManagerParams holds dependencies for NewCommandManager.
type CommandManagerParams struct {
	fx.In

	Registrar     Registrar `optional:"true"`
	ApplicationID discord.AppID
	Logger        *zap.Logger
	Commands      []Command `group:"commands"`
}

// CommandManager holds the loaded commands and registers them with Discord.
type CommandManager struct {
	registrar     Registrar
	applicationID discord.AppID
	logger        *zap.Logger
	commands      map[string]Command
}

// NewCommandManager creates a new CommandManager. Nil commands are skipped and
// the first command wins on duplicate names.
func NewCommandManager(params CommandManagerParams) *CommandManager {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Creating new CommandManager")

	cm := &CommandManager{
		registrar:     params.Registrar,
		applicationID: params.ApplicationID,
		logger:        logger,
		commands:      make(map[string]Command, len(params.Commands)),
	}

	for _, cmd := range params.Commands {
		if cmd == nil {
			continue
		}
		name := cmd.Name()
		if _, exists := cm.commands[name]; exists {
			logger.Warn("Duplicate command name, keeping the first", zap.String("commandName", name))

			continue
		}
		cm.commands[name] = cmd
	}

	return cm
}

// GetCommand retrieves a loaded command by its name.
func (cm *CommandManager) GetCommand(name string) (Command, bool) {
	cmd, ok := cm.commands[name]

	return cmd, ok
}

// RegisterCommands registers all loaded commands with Discord for the specified guilds.
func (cm *CommandManager) RegisterCommands(guildIDs []discord.GuildID) {
	cm.logger.Info("Registering slash commands with Discord for specified guilds...")

	cmds := make([]api.CreateCommandData, 0, len(cm.commands))
	for _, cmd := range cm.commands {
		cmds = append(cmds, api.CreateCommandData{
			Name:        cmd.Name(),
			Description: cmd.Description(),
			Options:     cmd.Options(),
		})
		cm.logger.Debug("Preparing to register command", zap.String("commandName", cmd.Name()))
	}

	if len(cmds) == 0 {
		cm.logger.Info("No commands to register.")

		return
	}

	for _, guildID := range guildIDs {
		registered, err := cm.registrar.BulkOverwriteGuildCommands(cm.applicationID, guildID, cmds)
		if err != nil {
			cm.logger.Error("Failed to bulk overwrite commands for guild",
				zap.Error(err),
				zap.Stringer("applicationID", cm.applicationID),
				zap.Stringer("guildID", guildID),
			)

			continue
		}
		cm.logger.Info("Successfully registered slash commands for guild",
			zap.Int("count", len(registered)),
			zap.Stringer("applicationID", cm.applicationID),
			zap.Stringer("guildID", guildID),
		)
	}
}

// UnregisterAllCommands unregisters all commands for the specified guilds.
func (cm *CommandManager) UnregisterAllCommands(guildIDs []discord.GuildID) {
	cm.logger.Info("Unregistering all slash commands for specified guilds...", zap.Stringer("applicationID", cm.applicationID))

	for _, guildID := range guildIDs {
		_, err := cm.registrar.BulkOverwriteGuildCommands(cm.applicationID, guildID, []api.CreateCommandData{})
		if err != nil {
			cm.logger.Error("Failed to unregister commands for guild",
				zap.Error(err),
				zap.Stringer("applicationID", cm.applicationID),
				zap.Stringer("guildID", guildID),
			)

			continue
		}
		cm.logger.Info("Successfully requested to unregister all slash commands for guild",
			zap.Stringer("applicationID", cm.applicationID),
			zap.Stringer("guildID", guildID),
		)
	}
}
