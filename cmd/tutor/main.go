package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
	"github.com/dil-foundation/lms-web-app-sub003/pkg/config"
	"github.com/dil-foundation/lms-web-app-sub003/pkg/conversation"
	"github.com/dil-foundation/lms-web-app-sub003/pkg/providers/tts"
	"github.com/dil-foundation/lms-web-app-sub003/pkg/transport"
)

// deviceSink queues PCM for the malgo output callback to drain.
type deviceSink struct {
	mu   sync.Mutex
	buf  []byte
	poll time.Duration
}

func newDeviceSink() *deviceSink {
	return &deviceSink{poll: 20 * time.Millisecond}
}

func (d *deviceSink) Write(pcm []byte) error {
	d.mu.Lock()
	d.buf = append(d.buf, pcm...)
	d.mu.Unlock()
	return nil
}

func (d *deviceSink) Drain(ctx context.Context) error {
	for {
		d.mu.Lock()
		remaining := len(d.buf)
		d.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-time.After(d.poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *deviceSink) Reset() {
	d.mu.Lock()
	d.buf = nil
	d.mu.Unlock()
}

// fill copies queued samples into the device's output buffer, padding
// the rest with silence.
func (d *deviceSink) fill(pOutput []byte) (played bool) {
	d.mu.Lock()
	n := copy(pOutput, d.buf)
	d.buf = d.buf[n:]
	d.mu.Unlock()
	for i := n; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
	return n > 0
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if cfg.OpenAIAPIKey == "" {
		log.Fatal("Error: OPENAI_API_KEY must be set.")
	}

	logger := &conversation.StdLogger{L: log.New(os.Stderr, "", log.LstdFlags)}

	sink := newDeviceSink()
	synth := tts.NewOpenAITTS(cfg.OpenAIAPIKey, sink)

	capture := audio.NewCaptureController(cfg.Capture, logger)
	playback := audio.NewPlaybackController(cfg.Playback, sink, synth, logger)
	capture.SetEchoGuard(playback.LastActiveAt)

	channel := transport.NewChannel(transport.Config{URL: cfg.ServerURL}, logger)

	orch := conversation.New(cfg.Conversation, cfg.LanguageMode, channel, capture, playback, logger)

	// Audio engine.
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			frame := make([]byte, len(pInput))
			copy(frame, pInput)
			capture.Push(frame)
		}
		if pOutput != nil {
			sink.fill(pOutput)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.Conversation.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("Tutor session: %s mode | %s\n", cfg.LanguageMode, cfg.ServerURL)
	if err := orch.Start(ctx); err != nil {
		log.Printf("initial connect failed: %v (will keep retrying)", err)
	}
	defer orch.Close()

	fmt.Println("Controls: [enter] talk/stop | r retry | n new session | q quit")

	// Mic level meter.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			snap := orch.Snapshot()
			if snap.State != conversation.StateListening {
				continue
			}
			dots := capture.VolumeLevel() * 40 / 100
			fmt.Printf("\r[MIC %-40s]", strings.Repeat("|", dots))
		}
	}()

	// State ticker.
	go func() {
		last := conversation.State("")
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			snap := orch.Snapshot()
			if snap.State == last {
				continue
			}
			last = snap.State
			fmt.Printf("\r\033[K[%s]\n", snap.State)
			if snap.LastError != nil && snap.State == conversation.StateError {
				fmt.Printf("  error: %s\n", snap.LastError.Message)
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "":
				snap := orch.Snapshot()
				if snap.State == conversation.StateListening {
					orch.PressStop()
				} else {
					orch.PressMic()
				}
			case "r":
				orch.PressRetry()
			case "n":
				orch.ResetSession()
			case "q":
				cancel()
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	fmt.Printf("\nShutting down...\n")
}
