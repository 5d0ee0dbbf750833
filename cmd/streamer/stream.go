package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/audio-streamer/internal/audio"
	"github.com/lexiqai/audio-streamer/internal/capture"
	"github.com/lexiqai/audio-streamer/internal/config"
	"github.com/lexiqai/audio-streamer/internal/delivery"
	"github.com/lexiqai/audio-streamer/internal/observability"
	"github.com/lexiqai/audio-streamer/internal/permission"
	"github.com/lexiqai/audio-streamer/internal/resilience"
	"github.com/lexiqai/audio-streamer/internal/streaming"
	"github.com/lexiqai/audio-streamer/internal/transport"
)

const drainTimeout = 5 * time.Second

// input is an opened capture source
type input struct {
	source     capture.Source
	done       <-chan struct{} // closed when input ends or fails
	err        func() error    // the read failure that closed done, if any
	permission permission.Provider
	close      func() error
	unblock    func() // wakes a read blocked on input; nil when not needed
}

func runStream(args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	from := fs.String("input", "mic", `audio input: "mic", a .wav file, or "-" for raw int16 PCM on stdin`)
	rate := fs.Int("rate", 48000, "sample rate of microphone or stdin input")
	channels := fs.Int("channels", 1, "channel count of microphone or stdin input")
	realtime := fs.Bool("realtime", true, "pace file and stdin input at playback speed")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	logger.Info().
		Str("transport", cfg.StreamTransport).
		Str("input", *from).
		Int("chunk_size", cfg.ChunkSize).
		Int("target_sample_rate", cfg.TargetSampleRate).
		Str("backpressure", cfg.DeliveryBackpressure).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Audio streamer starting")

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	opts := delivery.OptionsFromConfig(cfg)
	opts.Breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	})
	dispatcher, err := delivery.NewDispatcher(tr, opts)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	in, err := openInput(*from, *rate, *channels, *realtime, cfg)
	if err != nil {
		return err
	}
	defer in.close()

	copts := streaming.OptionsFromConfig(cfg)
	copts.Source = in.source
	copts.Sink = dispatcher
	copts.Permission = in.permission
	copts.Transport = tr
	ctrl, err := streaming.NewController(copts)
	if err != nil {
		return err
	}

	server, closeHealth, err := newHTTPServer(cfg, tr, opts.Breaker)
	if err != nil {
		return err
	}
	defer closeHealth()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printUpdates(ctrl.Updates())
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return ctrl.Run(gctx)
	})

	g.Go(func() error {
		// The session ending for any reason winds down the rest of the group
		defer cancel()
		return stream(gctx, cfg, tr, dispatcher, ctrl, in)
	})

	err = g.Wait()

	ctrl.Close()
	<-printed

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Audio streamer exited gracefully")
	return nil
}

// stream connects, waits for permission and captures until ctx is done or
// the input runs out
func stream(ctx context.Context, cfg *config.Config, tr transport.Transport, dispatcher *delivery.Dispatcher, ctrl *streaming.Controller, in input) error {
	logger := observability.Component("streamer")

	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	if err := resilience.Reconnect(ctx, tr.Connect, reconnect); err != nil {
		if cfg.StreamRequireConnected || ctx.Err() != nil {
			return fmt.Errorf("failed to connect to speech service: %w", err)
		}
		logger.Warn().Err(err).Msg("Speech service unreachable, chunks will be lost until it connects")

		// Keep dialing in the background for the rest of the session
		connect := func(ctx context.Context) error {
			if tr.IsConnected() {
				return nil
			}
			return tr.Connect(ctx)
		}
		rctx, stopReconnect := context.WithCancel(ctx)
		reconnecting := make(chan struct{})
		go func() {
			defer close(reconnecting)
			if resilience.ReconnectUntil(rctx, connect, reconnect) == nil {
				logger.Info().Msg("Speech service connected")
			}
		}()
		defer func() {
			stopReconnect()
			<-reconnecting
		}()
	}
	dispatcher.Start()

	granted, err := ctrl.AwaitPermission(ctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if !granted {
		if err != nil {
			return fmt.Errorf("%w: %v", streaming.ErrPermissionDenied, err)
		}
		return streaming.ErrPermissionDenied
	}

	if err := ctrl.Start(); err != nil {
		return err
	}

	var inputErr error
	select {
	case <-ctx.Done():
		if in.unblock != nil {
			in.unblock()
		}
	case <-in.done:
		if inputErr = in.err(); inputErr == nil {
			logger.Info().Msg("Input exhausted")
		}
	}

	if err := ctrl.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop capture cleanly")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := dispatcher.Drain(drainCtx); err != nil {
		logger.Warn().Int("pending", dispatcher.Pending()).Msg("Delivery queue not drained before shutdown")
	}
	if inputErr != nil {
		return fmt.Errorf("capture input failed: %w", inputErr)
	}
	return nil
}

func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.StreamTransport {
	case config.TransportWebSocket:
		wsCfg := transport.WebSocketConfigFromConfig(cfg)
		if _, err := wsCfg.URL(); err != nil {
			return nil, err
		}
		return transport.NewWebSocketClient(wsCfg), nil
	case config.TransportDeepgram:
		return transport.NewDeepgramClient(transport.DeepgramConfigFromConfig(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.StreamTransport)
	}
}

func openInput(from string, rate, channels int, realtime bool, cfg *config.Config) (input, error) {
	granted := permission.Static(true)

	switch from {
	case "mic":
		mic, err := capture.OpenMicrophone(rate, channels)
		if err != nil {
			return input{}, err
		}
		provider, err := permission.FromMode(cfg.MicPermission)
		if err != nil {
			mic.Close()
			return input{}, err
		}
		return input{source: mic, done: mic.Done(), err: mic.Err, permission: provider, close: mic.Close}, nil

	case "-":
		format := audio.Format{SampleRate: rate, Channels: channels, Encoding: audio.EncodingInt16}
		src, err := capture.NewReaderSource(os.Stdin, format, realtime)
		if err != nil {
			return input{}, err
		}
		return input{
			source:     src,
			done:       src.Done(),
			err:        src.Err,
			permission: granted,
			close:      src.Remove,
			unblock:    func() { os.Stdin.Close() },
		}, nil

	default:
		src, err := capture.OpenWAV(from, realtime)
		if err != nil {
			return input{}, err
		}
		return input{source: src, done: src.Done(), err: src.Err, permission: granted, close: src.Close}, nil
	}
}

func newHTTPServer(cfg *config.Config, tr transport.Transport, breaker *resilience.CircuitBreaker) (*http.Server, func() error, error) {
	logger := observability.GetLogger()
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := map[string]observability.HealthCheckFunc{
		"transport": func(ctx context.Context) (bool, error) {
			if !tr.IsConnected() {
				return false, transport.ErrNotConnected
			}
			return true, nil
		},
		"delivery": func(ctx context.Context) (bool, error) {
			state, _, _, failureRate := breaker.GetStats()
			if state == resilience.StateOpen {
				return false, fmt.Errorf("delivery circuit open (%.0f%% of sends failed)", failureRate)
			}
			return true, nil
		},
	}
	closeHealth := func() error { return nil }
	if cfg.SpeechHealthAddr != "" {
		check, closeFn, err := observability.GRPCHealthCheck(cfg.SpeechHealthAddr, cfg.SpeechHealthTLSDisabled)
		if err != nil {
			return nil, nil, err
		}
		checks["speech_service"] = check
		closeHealth = closeFn
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, closeHealth, nil
}

// printUpdates writes inbound entries to stdout and logs status changes
// until the controller closes the feed
func printUpdates(updates <-chan streaming.Update) {
	logger := observability.Component("controller")
	for u := range updates {
		if u.Entry != nil {
			fmt.Fprintf(os.Stdout, "%s [%s] %s\n", u.Entry.Clock(), u.Entry.Kind, u.Entry.Content)
			continue
		}
		logger.Info().Str("state", u.State.String()).Bool("connected", u.Connected).Msg(u.Status)
	}
}
