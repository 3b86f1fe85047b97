// Package main provides the entry point for the Discord voice bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"

	"github.com/Raikerian/go-discord-voice/internal/app"
	"github.com/Raikerian/go-discord-voice/internal/bot"
	"github.com/Raikerian/go-discord-voice/internal/commands"
	"github.com/Raikerian/go-discord-voice/internal/config"
	"github.com/Raikerian/go-discord-voice/internal/directory"
	"github.com/Raikerian/go-discord-voice/internal/discord"
	"github.com/Raikerian/go-discord-voice/internal/infrastructure"
	"github.com/Raikerian/go-discord-voice/internal/metrics"
	"github.com/Raikerian/go-discord-voice/internal/voice"
	pkginfra "github.com/Raikerian/go-discord-voice/pkg/infrastructure"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Create the application with all modules
	application := app.New(
		// Core modules
		config.Module,
		infrastructure.LoggerModule,
		metrics.Module,

		// External service modules
		discord.Module,
		directory.Module,

		// Application modules
		voice.Module,
		commands.Module,
		bot.Module,

		// Supply the config path
		fx.Supply(*configPath),

		// Configure Fx to use our Zap logger for its own internal logging
		fx.WithLogger(pkginfra.NewFxLoggerAdapter),
	)

	// Set up a channel to listen for OS signals (like Ctrl+C)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the application in a goroutine
	go application.Run()

	// Block until a signal is received
	sig := <-sigCh
	fmt.Printf("Received signal: %s, initiating shutdown.\n", sig)

	// Voice sessions get a few seconds each to close their sockets.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	// Gracefully stop the application
	err := application.Stop(shutdownCtx)
	cancel()

	if err != nil {
		fmt.Printf("Error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Application has shut down gracefully.")
}
