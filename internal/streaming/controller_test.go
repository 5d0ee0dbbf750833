package streaming

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/audio-streamer/internal/audio"
	"github.com/lexiqai/audio-streamer/internal/capture"
	"github.com/lexiqai/audio-streamer/internal/eventlog"
	"github.com/lexiqai/audio-streamer/internal/permission"
	"github.com/lexiqai/audio-streamer/internal/transport"
)

var pcm16k = audio.Target(16000)

// fakeSource hands buffers pushed by the test to the installed tap
type fakeSource struct {
	format audio.Format

	mu       sync.Mutex
	onBuffer capture.BufferFunc
	installs int
	removes  int
}

func (s *fakeSource) Format() audio.Format { return s.format }

func (s *fakeSource) Install(bufferFrames int, onBuffer capture.BufferFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onBuffer != nil {
		return capture.ErrAlreadyInstalled
	}
	s.onBuffer = onBuffer
	s.installs++
	return nil
}

func (s *fakeSource) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBuffer = nil
	s.removes++
	return nil
}

func (s *fakeSource) push(data []byte) {
	s.pushFormat(s.format, data)
}

func (s *fakeSource) pushFormat(f audio.Format, data []byte) {
	s.mu.Lock()
	fn := s.onBuffer
	s.mu.Unlock()
	if fn != nil {
		fn(audio.Buffer{Format: f, Data: data, Captured: time.Now()})
	}
}

// fakeSink records chunks and holds their callbacks until the test releases them
type fakeSink struct {
	mu        sync.Mutex
	chunks    [][]byte
	callbacks []func(bool)
}

func (s *fakeSink) Send(chunk []byte, onComplete func(ok bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	s.callbacks = append(s.callbacks, onComplete)
}

func (s *fakeSink) complete(ok bool) {
	s.mu.Lock()
	cbs := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(ok)
	}
}

func (s *fakeSink) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.chunks, nil)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

type fakeTransport struct {
	connected atomic.Bool
	messages  chan transport.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{messages: make(chan transport.Message, 16)}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.connected.Store(true)
	return nil
}

func (t *fakeTransport) SendAudio(ctx context.Context, chunk []byte) error { return nil }
func (t *fakeTransport) Messages() <-chan transport.Message               { return t.messages }
func (t *fakeTransport) IsConnected() bool                                 { return t.connected.Load() }
func (t *fakeTransport) Close() error                                      { return nil }

type countingProvider struct {
	calls   atomic.Int32
	granted bool
}

func (p *countingProvider) RequestPermission(ctx context.Context) (bool, error) {
	p.calls.Add(1)
	return p.granted, nil
}

func newTestController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.Source == nil {
		opts.Source = &fakeSource{format: pcm16k}
	}
	if opts.Sink == nil {
		opts.Sink = &fakeSink{}
	}
	if opts.Permission == nil {
		opts.Permission = permission.Static(true)
	}
	if opts.Session.TargetSampleRate == 0 {
		opts.Session.TargetSampleRate = 16000
	}
	c, err := NewController(opts)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func grant(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	granted, err := c.AwaitPermission(ctx)
	if err != nil || !granted {
		t.Fatalf("Expected permission grant, got %v, %v", granted, err)
	}
}

// pattern returns n bytes whose values encode their offset
func pattern(offset, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((offset + i) * 7)
	}
	return b
}

func TestController_Lifecycle(t *testing.T) {
	src := &fakeSource{format: pcm16k}
	c := newTestController(t, Options{Source: src})

	if c.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", c.State())
	}
	if err := c.Start(); !errors.Is(err, ErrPermissionNotGranted) {
		t.Errorf("Expected ErrPermissionNotGranted before request, got %v", err)
	}

	grant(t, c)
	if c.State() != StatePermissionGranted {
		t.Fatalf("Expected permission_granted, got %s", c.State())
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State() != StateCapturing {
		t.Errorf("Expected capturing, got %s", c.State())
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyCapturing) {
		t.Errorf("Expected ErrAlreadyCapturing, got %v", err)
	}

	native, target, ok := c.Formats()
	if !ok || native != pcm16k || target != pcm16k {
		t.Errorf("Unexpected formats %s / %s (ok=%v)", native, target, ok)
	}
	first := c.Session().ID()

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", c.State())
	}
	if c.Status() != "Streaming stopped" {
		t.Errorf("Unexpected status %q", c.Status())
	}
	if c.Session() != nil {
		t.Error("Expected no session after stop")
	}

	// Stopping twice is harmless
	if err := c.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}

	// Cached grant allows a fresh session
	if err := c.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if c.Session().ID() == first {
		t.Error("Expected a new session on restart")
	}
	if src.installs != 2 || src.removes != 1 {
		t.Errorf("Expected 2 installs and 1 remove, got %d and %d", src.installs, src.removes)
	}
}

func TestController_PermissionDenied(t *testing.T) {
	c := newTestController(t, Options{Permission: permission.Static(false)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	granted, err := c.AwaitPermission(ctx)
	if err != nil || granted {
		t.Fatalf("Expected denial, got %v, %v", granted, err)
	}

	if c.State() != StatePermissionDenied {
		t.Errorf("Expected permission_denied, got %s", c.State())
	}
	if err := c.Start(); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}
}

func TestController_PermissionRequestedOnce(t *testing.T) {
	p := &countingProvider{granted: true}
	c := newTestController(t, Options{Permission: p})

	grant(t, c)
	grant(t, c)
	c.RequestPermission(context.Background())

	if n := p.calls.Load(); n != 1 {
		t.Errorf("Expected one permission request, got %d", n)
	}
}

func TestController_ProviderErrorIsDenial(t *testing.T) {
	boom := errors.New("no audio device")
	c := newTestController(t, Options{Permission: providerFunc(func(context.Context) (bool, error) {
		return true, boom
	})})

	granted, err := c.AwaitPermission(context.Background())
	if granted || !errors.Is(err, boom) {
		t.Errorf("Expected denial with provider error, got %v, %v", granted, err)
	}
	if c.State() != StatePermissionDenied {
		t.Errorf("Expected permission_denied, got %s", c.State())
	}
}

type providerFunc func(context.Context) (bool, error)

func (f providerFunc) RequestPermission(ctx context.Context) (bool, error) { return f(ctx) }

func TestSession_ChunksPreserveOrder(t *testing.T) {
	src := &fakeSource{format: pcm16k}
	sink := &fakeSink{}
	c := newTestController(t, Options{Source: src, Sink: sink})
	grant(t, c)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var all []byte
	offset := 0
	for _, n := range []int{3000, 2000, 5000} {
		p := pattern(offset, n)
		all = append(all, p...)
		offset += n
		src.push(p)
	}

	if sink.count() != 2 {
		t.Fatalf("Expected 2 chunks, got %d", sink.count())
	}
	for i, chunk := range sink.chunks {
		if len(chunk) != 4096 {
			t.Errorf("Chunk %d has %d bytes", i, len(chunk))
		}
	}
	if !bytes.Equal(sink.received(), all[:8192]) {
		t.Error("Chunks are not the contiguous prefix of captured audio")
	}

	sess := c.Session()
	sink.complete(true)
	if got := sess.Stats().Delivered; got != 2 {
		t.Errorf("Expected 2 delivered, got %d", got)
	}

	c.Stop()
	if got := sess.Stats().Discarded; got != 10000-8192 {
		t.Errorf("Expected %d discarded bytes, got %d", 10000-8192, got)
	}
}

func TestSession_StopDiscardsPartialChunk(t *testing.T) {
	src := &fakeSource{format: pcm16k}
	sink := &fakeSink{}
	c := newTestController(t, Options{Source: src, Sink: sink})
	grant(t, c)
	c.Start()

	src.push(make([]byte, 4094))
	sess := c.Session()
	c.Stop()

	// Buffers after stop never reach the queue
	src.push(make([]byte, 4096))

	if sink.count() != 0 {
		t.Errorf("Expected no chunks, got %d", sink.count())
	}
	if sess.Stats().Discarded != 4094 {
		t.Errorf("Expected 4094 discarded bytes, got %d", sess.Stats().Discarded)
	}
}

func TestSession_CompletionAfterStopIsIgnored(t *testing.T) {
	src := &fakeSource{format: pcm16k}
	sink := &fakeSink{}
	c := newTestController(t, Options{Source: src, Sink: sink})
	grant(t, c)
	c.Start()

	src.push(make([]byte, 8192))
	sess := c.Session()
	c.Stop()

	sink.complete(false)
	stats := sess.Stats()
	if stats.Chunks != 2 {
		t.Errorf("Expected 2 chunks, got %d", stats.Chunks)
	}
	if stats.Delivered != 0 || stats.Failed != 0 {
		t.Errorf("Expected late completions to be ignored, got %+v", stats)
	}
}

func TestSession_ConversionFailureSkipsBuffer(t *testing.T) {
	src := &fakeSource{format: pcm16k}
	sink := &fakeSink{}
	c := newTestController(t, Options{Source: src, Sink: sink})
	grant(t, c)
	c.Start()

	// Format mismatch, then a misaligned buffer
	src.pushFormat(audio.Format{SampleRate: 44100, Channels: 2, Encoding: audio.EncodingFloat32}, make([]byte, 8192))
	src.push(make([]byte, 4097))
	if sink.count() != 0 {
		t.Fatalf("Expected failed buffers to be dropped, got %d chunks", sink.count())
	}

	// The session keeps going
	src.push(make([]byte, 4096))
	if sink.count() != 1 {
		t.Errorf("Expected 1 chunk after a good buffer, got %d", sink.count())
	}
	if c.State() != StateCapturing {
		t.Errorf("Expected capturing, got %s", c.State())
	}
}

func TestSession_ConvertsNativeFormat(t *testing.T) {
	native := audio.Format{SampleRate: 48000, Channels: 2, Encoding: audio.EncodingInt16}
	src := &fakeSource{format: native}
	sink := &fakeSink{}
	c := newTestController(t, Options{Source: src, Sink: sink})
	grant(t, c)
	c.Start()

	// 300ms of 48kHz stereo int16 becomes 300ms of 16kHz mono: 9600 bytes
	src.push(make([]byte, 14400*2*2))
	if sink.count() != 2 {
		t.Errorf("Expected 2 chunks from 9600 converted bytes, got %d", sink.count())
	}

	gotNative, target, _ := c.Formats()
	if gotNative != native || target != pcm16k {
		t.Errorf("Unexpected formats %s / %s", gotNative, target)
	}
}

func TestController_ConverterSetupFailure(t *testing.T) {
	src := &fakeSource{format: audio.Format{SampleRate: 0, Channels: 1}}
	c := newTestController(t, Options{Source: src})
	grant(t, c)

	err := c.Start()
	if !errors.Is(err, audio.ErrConversion) {
		t.Fatalf("Expected conversion error, got %v", err)
	}
	if c.State() != StatePermissionGranted {
		t.Errorf("Expected state to stay permission_granted, got %s", c.State())
	}
	if src.installs != 0 {
		t.Error("Expected no tap on setup failure")
	}
}

func TestController_ConcurrentProducers(t *testing.T) {
	src := &fakeSource{format: pcm16k}
	sink := &fakeSink{}
	c := newTestController(t, Options{Source: src, Sink: sink})
	grant(t, c)
	c.Start()

	const producers, buffers, size = 4, 50, 1000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < buffers; i++ {
				src.push(make([]byte, size))
			}
		}()
	}
	wg.Wait()
	sess := c.Session()
	c.Stop()

	total := producers * buffers * size
	stats := sess.Stats()
	if stats.Chunks != total/4096 {
		t.Errorf("Expected %d chunks, got %d", total/4096, stats.Chunks)
	}
	if stats.Chunks*4096+stats.Discarded != total {
		t.Errorf("Chunks plus remainder do not add up: %+v", stats)
	}
}

func TestController_RequireConnected(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, Options{Transport: tr, RequireConnected: true})
	grant(t, c)

	if err := c.Start(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}

	tr.Connect(context.Background())
	if err := c.Start(); err != nil {
		t.Errorf("Start failed once connected: %v", err)
	}
}

func TestController_StartWhileDisconnected(t *testing.T) {
	c := newTestController(t, Options{Transport: newFakeTransport()})
	grant(t, c)

	if err := c.Start(); err != nil {
		t.Errorf("Expected ungated start while disconnected, got %v", err)
	}
}

func TestController_RunRecordsInboundMessages(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, Options{Transport: tr, Log: eventlog.New(3)})

	now := time.Now()
	tr.messages <- transport.Message{Kind: transport.KindConnected, At: now}
	tr.messages <- transport.Message{Kind: transport.KindTranscript, At: now, Text: "hello world"}
	tr.messages <- transport.Message{Kind: transport.KindError, At: now, Reason: "bad audio"}
	tr.messages <- transport.Message{Kind: transport.KindDisconnected, At: now, ConnectionDuration: 2 * time.Second}
	close(tr.messages)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries := c.Events().Entries()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries in a capacity-3 log, got %d", len(entries))
	}
	wantKinds := []string{eventlog.KindStatus, eventlog.KindError, eventlog.KindTranscript}
	for i, kind := range wantKinds {
		if entries[i].Kind != kind {
			t.Errorf("Entry %d: expected kind %q, got %q", i, kind, entries[i].Kind)
		}
	}
	if entries[2].Content != "hello world" {
		t.Errorf("Unexpected transcript %q", entries[2].Content)
	}

	var withEntries int
	for len(c.Updates()) > 0 {
		if u := <-c.Updates(); u.Entry != nil {
			withEntries++
		}
	}
	if withEntries != 4 {
		t.Errorf("Expected 4 updates with entries, got %d", withEntries)
	}
}

func TestController_RunStopsOnContext(t *testing.T) {
	c := newTestController(t, Options{Transport: newFakeTransport()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestController_CloseClosesUpdates(t *testing.T) {
	c := newTestController(t, Options{})
	grant(t, c)
	c.Start()

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle after close, got %s", c.State())
	}
	if err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	for range c.Updates() {
	}
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	if _, err := NewController(Options{}); err == nil {
		t.Error("Expected error without a source")
	}
	if _, err := NewController(Options{Source: &fakeSource{format: pcm16k}}); err == nil {
		t.Error("Expected error without a sink")
	}
	if _, err := NewController(Options{Source: &fakeSource{format: pcm16k}, Sink: &fakeSink{}}); err == nil {
		t.Error("Expected error without a permission provider")
	}
}
