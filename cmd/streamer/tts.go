package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lexiqai/audio-streamer/internal/observability"
	"github.com/lexiqai/audio-streamer/internal/tts"
)

func runTTS(args []string) error {
	fs := flag.NewFlagSet("tts", flag.ExitOnError)
	voice := fs.String("voice", "", "voice name (default TTS_VOICE): "+strings.Join(tts.Voices, ", "))
	streamed := fs.Bool("stream", false, "use the streaming endpoint")
	dir := fs.String("dir", "", "directory for "+tts.TempFileName+" (default system temp dir)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.Component("tts")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := tts.NewClient(cfg)
	text := strings.Join(fs.Args(), " ")

	var data []byte
	if *streamed {
		logger.Info().Msg("Streaming speech...")
		chunks, err := client.Stream(ctx, text, *voice)
		if err != nil {
			return err
		}
		for chunk := range chunks {
			if chunk.Err != nil {
				return chunk.Err
			}
			data = append(data, chunk.Data...)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	} else {
		logger.Info().Msg("Synthesizing speech...")
		data, err = client.Synthesize(ctx, text, *voice)
		if err != nil {
			return err
		}
	}

	path, err := tts.SaveTemp(*dir, data)
	if err != nil {
		return err
	}

	info, err := tts.Inspect(data)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Saved audio is not a readable WAV file")
		fmt.Println(path)
		return nil
	}

	logger.Info().
		Str("path", path).
		Int("sample_rate", info.SampleRate).
		Int("channels", info.Channels).
		Int("bit_depth", info.BitDepth).
		Dur("duration", info.Duration).
		Msg("Synthesis complete")
	fmt.Println(path)
	return nil
}
