package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPlaybackFailed is returned when a clip cannot be decoded or played.
var ErrPlaybackFailed = errors.New("audio clip playback failed")

// Sink is where decoded PCM goes to be heard. The malgo-backed sink lives
// in the agent binary; tests use an in-memory one.
type Sink interface {
	// Write queues samples for playout.
	Write(pcm []byte) error
	// Drain blocks until everything queued has been played out, or the
	// context is cancelled.
	Drain(ctx context.Context) error
	// Reset discards anything still queued.
	Reset()
}

// VoiceParams selects the synthesized voice for one utterance.
type VoiceParams struct {
	LocaleTag string
	Rate      float64
	Pitch     float64
	Volume    float64
}

// Synthesizer turns text into audible speech and returns when the
// utterance has finished (or failed).
type Synthesizer interface {
	Speak(ctx context.Context, text string, params VoiceParams) error
	// Stop aborts any utterance in progress.
	Stop()
	Name() string
}

// FadeOpts are the edge ramps applied to a clip.
type FadeOpts struct {
	FadeIn  time.Duration
	FadeOut time.Duration
}

type PlaybackConfig struct {
	SampleRate     int
	InterWordDelay time.Duration
	DefaultFade    FadeOpts
}

func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		SampleRate:     44100,
		InterWordDelay: 300 * time.Millisecond,
		DefaultFade: FadeOpts{
			FadeIn:  80 * time.Millisecond,
			FadeOut: 120 * time.Millisecond,
		},
	}
}

// PlaybackController plays server clips and synthesized speech, one source
// at a time system-wide: starting anything stops whatever came before.
type PlaybackController struct {
	cfg    PlaybackConfig
	sink   Sink
	synth  Synthesizer
	logger Logger

	onFinished      func(id string, err error)
	onWordsFinished func(err error)
	onWordProgress  func(wordIndex int)

	mu           sync.Mutex
	playing      bool
	currentID    string
	cancel       context.CancelFunc
	gen          uint64
	lastActiveAt time.Time
}

func NewPlaybackController(cfg PlaybackConfig, sink Sink, synth Synthesizer, logger Logger) *PlaybackController {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &PlaybackController{
		cfg:    cfg,
		sink:   sink,
		synth:  synth,
		logger: logger,
	}
}

// SetHandlers registers completion callbacks. onFinished fires for clips
// and single utterances; onWordsFinished when a word-by-word sequence runs
// to the end. Neither fires for a playback that was superseded or stopped.
func (p *PlaybackController) SetHandlers(onFinished func(id string, err error), onWordsFinished func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFinished = onFinished
	p.onWordsFinished = onWordsFinished
}

// SetWordProgress registers an observer for the word-by-word cursor. It
// receives the index of the next unspoken word after each group.
func (p *PlaybackController) SetWordProgress(fn func(wordIndex int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWordProgress = fn
}

// PlayClip plays raw 16-bit PCM with fade in/out. Completion (natural end
// or decode/sink failure) is reported through onFinished.
func (p *PlaybackController) PlayClip(id string, pcm []byte, fade FadeOpts) {
	ctx, gen, done := p.begin(id)
	go func() {
		var err error
		if len(pcm) == 0 {
			err = ErrPlaybackFailed
		} else {
			faded := applyFades(pcm, p.cfg.SampleRate, fade)
			if werr := p.sink.Write(faded); werr != nil {
				err = errors.Join(ErrPlaybackFailed, werr)
			} else {
				err = p.sink.Drain(ctx)
			}
		}
		done(gen, err)
	}()
}

// SpeakText speaks one utterance through the synthesizer. Completion is
// reported through onFinished with the given id.
func (p *PlaybackController) SpeakText(id, text string, params VoiceParams) {
	ctx, gen, done := p.begin(id)
	go func() {
		err := p.synth.Speak(ctx, text, params)
		done(gen, err)
	}()
}

// SpeakWords speaks a word list two words at a time with a fixed delay
// between groups. An utterance error counts as done for sequencing and the
// next group still runs. Stopping or superseding the sequence prevents any
// further group from being spoken.
func (p *PlaybackController) SpeakWords(words []string, params VoiceParams) {
	ctx, _, _ := p.begin("word_by_word")
	groups := WordGroups(words)
	go func() {
		for i, group := range groups {
			if ctx.Err() != nil {
				return
			}
			if err := p.synth.Speak(ctx, group, params); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("word group utterance failed", "group", group, "error", err)
			}
			p.mu.Lock()
			progress := p.onWordProgress
			p.mu.Unlock()
			if progress != nil && ctx.Err() == nil {
				spoken := (i + 1) * 2
				if spoken > len(words) {
					spoken = len(words)
				}
				progress(spoken)
			}
			if i < len(groups)-1 {
				select {
				case <-time.After(p.cfg.InterWordDelay):
				case <-ctx.Done():
					return
				}
			}
		}

		p.mu.Lock()
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		p.playing = false
		p.currentID = ""
		p.lastActiveAt = time.Now()
		cb := p.onWordsFinished
		p.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	}()
}

// StopCurrent halts whatever is playing. Idempotent.
func (p *PlaybackController) StopCurrent() {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()
}

func (p *PlaybackController) IsAnyPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// CurrentID reports the id of the playing source, or "".
func (p *PlaybackController) CurrentID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentID
}

// LastActiveAt reports when the controller last produced sound. While
// playing it reports the current time. The capture echo guard probes this.
func (p *PlaybackController) LastActiveAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return time.Now()
	}
	return p.lastActiveAt
}

// begin enforces the single-slot invariant: it stops the previous source,
// then arms a new cancellable playback generation.
func (p *PlaybackController) begin(id string) (context.Context, uint64, func(uint64, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	p.playing = true
	p.currentID = id
	gen := p.gen

	done := func(g uint64, err error) {
		p.mu.Lock()
		if g != p.gen || !p.playing {
			// Superseded or stopped; the newer playback owns the slot.
			p.mu.Unlock()
			return
		}
		p.playing = false
		doneID := p.currentID
		p.currentID = ""
		p.lastActiveAt = time.Now()
		cb := p.onFinished
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn("playback finished with error", "id", doneID, "error", err)
		}
		if cb != nil {
			cb(doneID, err)
		}
	}
	return ctx, gen, done
}

func (p *PlaybackController) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.playing {
		p.lastActiveAt = time.Now()
	}
	p.playing = false
	p.currentID = ""
	if p.synth != nil {
		p.synth.Stop()
	}
	if p.sink != nil {
		p.sink.Reset()
	}
}

// applyFades returns a copy of pcm with linear gain ramps on both edges.
// Fade-out is best effort: if the clip is shorter than the ramps, the
// ramps shrink to fit.
func applyFades(pcm []byte, sampleRate int, fade FadeOpts) []byte {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	samples := len(out) / 2
	if samples == 0 || sampleRate <= 0 {
		return out
	}

	rampIn := int(fade.FadeIn.Seconds() * float64(sampleRate))
	rampOut := int(fade.FadeOut.Seconds() * float64(sampleRate))
	if rampIn > samples {
		rampIn = samples
	}
	if rampOut > samples {
		rampOut = samples
	}

	for i := 0; i < rampIn; i++ {
		scaleSample(out, i, float64(i)/float64(rampIn))
	}
	for i := 0; i < rampOut; i++ {
		idx := samples - 1 - i
		scaleSample(out, idx, float64(i)/float64(rampOut))
	}
	return out
}

func scaleSample(pcm []byte, idx int, gain float64) {
	off := idx * 2
	s := int16(pcm[off]) | (int16(pcm[off+1]) << 8)
	v := int16(float64(s) * gain)
	pcm[off] = byte(v)
	pcm[off+1] = byte(v >> 8)
}
