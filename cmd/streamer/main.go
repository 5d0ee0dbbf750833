package main

import (
	"fmt"
	"os"

	"github.com/lexiqai/audio-streamer/internal/config"
	"github.com/lexiqai/audio-streamer/internal/observability"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cmd, args := "stream", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "stream":
		err = runStream(args)
	case "tts":
		err = runTTS(args)
	case "version":
		fmt.Printf("audio-streamer %s (built %s)\n", Version, BuildTime)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		logger := observability.GetLogger()
		logger.Error().Err(err).Str("command", cmd).Msg("Command failed")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  audio-streamer [stream] [flags]     stream audio to the speech service
  audio-streamer tts [flags] <text>   synthesize text to a WAV file
  audio-streamer version

Run a command with -h for its flags. Settings come from the environment or .env.
`)
}

// loadConfig loads settings and initializes the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return nil, err
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}
