// Package tts synthesizes speech for the playback controller.
package tts

import (
	"context"
	"fmt"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
)

// voiceFor maps a locale tag onto an available voice. Urdu gets the
// multilingual-leaning voice; everything else the default English one.
func voiceFor(localeTag string) openai.SpeechVoice {
	if localeTag == "ur-PK" {
		return openai.VoiceShimmer
	}
	return openai.VoiceNova
}

// OpenAITTS speaks text through the OpenAI speech endpoint and streams
// the raw PCM into an audio sink. It satisfies audio.Synthesizer.
type OpenAITTS struct {
	client *openai.Client
	sink   audio.Sink

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewOpenAITTS(apiKey string, sink audio.Sink) *OpenAITTS {
	return &OpenAITTS{
		client: openai.NewClient(apiKey),
		sink:   sink,
	}
}

// Speak synthesizes one utterance and blocks until it has been played
// out of the sink, the context is cancelled, or Stop is called.
func (t *OpenAITTS) Speak(ctx context.Context, text string, params audio.VoiceParams) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	speed := params.Rate
	if speed <= 0 {
		speed = 1.0
	}

	resp, err := t.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          voiceFor(params.LocaleTag),
		ResponseFormat: openai.SpeechResponseFormatPcm,
		Speed:          speed,
	})
	if err != nil {
		return fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Read(buf)
		if n > 0 {
			if werr := t.sink.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to queue synthesized audio: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read synthesized audio: %w", rerr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return t.sink.Drain(ctx)
}

// Stop aborts the utterance in progress, if any.
func (t *OpenAITTS) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *OpenAITTS) Name() string {
	return "openai"
}
