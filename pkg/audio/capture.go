package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCaptureFailed is returned when the input device cannot be acquired
// (permission denied, no input device, device busy).
var ErrCaptureFailed = errors.New("microphone capture unavailable")

// Logger is the minimal leveled logger the audio controllers write to.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Recording is the product of one completed capture, manual or auto-stopped.
type Recording struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// CaptureConfig tunes voice-activity detection and silence auto-stop.
type CaptureConfig struct {
	SampleRate int

	// VADThreshold is the normalized RMS level above which a frame counts
	// as voice. Language-specific; comes from the language profile.
	VADThreshold float64

	// SilenceWindow is how long the level must stay under threshold after
	// speech was detected before the recording auto-stops.
	SilenceWindow time.Duration

	// PreSpeechWindow bounds how long a recording may run before any
	// speech is detected at all.
	PreSpeechWindow time.Duration

	// InitialGraceWindow replaces PreSpeechWindow on the first recording
	// of a session, so a user who is slow to start is not cut off.
	InitialGraceWindow time.Duration

	// MinSpeechConfirm is the number of consecutive above-threshold frames
	// required before speech is confirmed.
	MinSpeechConfirm int

	// EchoGuardWindow and EchoGuardThreshold raise the effective VAD
	// threshold while (and shortly after) the playback sink is active, so
	// the tutor's own voice does not register as user speech.
	EchoGuardWindow    time.Duration
	EchoGuardThreshold float64
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:         44100,
		VADThreshold:       0.025,
		SilenceWindow:      1500 * time.Millisecond,
		PreSpeechWindow:    6 * time.Second,
		InitialGraceWindow: 15 * time.Second,
		MinSpeechConfirm:   5,
		EchoGuardWindow:    250 * time.Millisecond,
		EchoGuardThreshold: 0.15,
	}
}

// CaptureController buffers microphone frames pushed in by the audio device,
// runs VAD over them, and auto-stops on post-speech silence. It is device
// agnostic: the owning binary feeds frames through Push.
type CaptureController struct {
	cfg    CaptureConfig
	logger Logger

	// Device hooks. acquire is called on Start and must fail when the
	// microphone cannot be used; release tears the device stream down.
	acquire func() error
	release func()

	// lastPlayedAt reports when the playback sink last produced sound,
	// for the echo guard. Nil disables the guard.
	lastPlayedAt func() time.Time

	onStopped func(Recording)
	onError   func(error)

	mu            sync.Mutex
	vad           *RMSVAD
	buf           bytes.Buffer
	recording     bool
	paused        bool
	firstTurn     bool
	speechSeen    bool
	lastVoiceAt   time.Time
	volume        int
	voiceDetected bool
}

func NewCaptureController(cfg CaptureConfig, logger Logger) *CaptureController {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	vad := NewRMSVAD(cfg.VADThreshold, cfg.SilenceWindow)
	vad.SetMinConfirmed(cfg.MinSpeechConfirm)
	return &CaptureController{
		cfg:    cfg,
		logger: logger,
		vad:    vad,
	}
}

// SetHandlers registers the completion callbacks. onStopped receives the
// captured blob through the same path for manual and silence auto-stop.
func (c *CaptureController) SetHandlers(onStopped func(Recording), onError func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStopped = onStopped
	c.onError = onError
}

// SetDeviceHooks installs the device acquisition/release hooks.
func (c *CaptureController) SetDeviceHooks(acquire func() error, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquire = acquire
	c.release = release
}

// SetEchoGuard wires the playback-activity probe used to suppress the
// tutor's own voice.
func (c *CaptureController) SetEchoGuard(lastPlayedAt func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPlayedAt = lastPlayedAt
}

// Start arms a new recording. Any previous capture state is torn down
// first so stale device streams never leak.
func (c *CaptureController) Start(firstTurn bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		c.teardownLocked()
	}

	if c.acquire != nil {
		if err := c.acquire(); err != nil {
			return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
		}
	}

	c.buf.Reset()
	c.vad.Reset()
	c.recording = true
	c.paused = false
	c.firstTurn = firstTurn
	c.speechSeen = false
	c.lastVoiceAt = time.Now()
	return nil
}

// Push feeds one PCM frame from the device callback. Volume metering runs
// on every frame; buffering, VAD and auto-stop only while recording and
// not paused.
func (c *CaptureController) Push(frame []byte) {
	c.mu.Lock()

	rms := CalculateRMS(frame)
	level := int(rms * 400)
	if level > 100 {
		level = 100
	}
	c.volume = level

	if !c.recording || c.paused {
		c.mu.Unlock()
		return
	}

	threshold := c.cfg.VADThreshold
	if c.lastPlayedAt != nil && time.Since(c.lastPlayedAt()) < c.cfg.EchoGuardWindow {
		if c.cfg.EchoGuardThreshold > threshold {
			threshold = c.cfg.EchoGuardThreshold
		}
	}
	c.vad.SetThreshold(threshold)

	c.buf.Write(frame)
	_, _ = c.vad.Process(frame)
	c.voiceDetected = c.vad.IsSpeaking()

	now := time.Now()
	if c.voiceDetected {
		c.speechSeen = true
		c.lastVoiceAt = now
		c.mu.Unlock()
		return
	}

	window := c.cfg.SilenceWindow
	if !c.speechSeen {
		window = c.cfg.PreSpeechWindow
		if c.firstTurn {
			window = c.cfg.InitialGraceWindow
		}
	}

	if now.Sub(c.lastVoiceAt) >= window {
		c.logger.Info("silence auto-stop",
			"speechSeen", c.speechSeen, "window", window.String())
		cb, rec := c.finalizeLocked()
		c.mu.Unlock()
		if cb != nil {
			cb(rec)
		}
		return
	}

	c.mu.Unlock()
}

// Stop ends the recording manually. Calling it while not recording is a
// no-op.
func (c *CaptureController) Stop() {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	cb, rec := c.finalizeLocked()
	c.mu.Unlock()
	if cb != nil {
		cb(rec)
	}
}

// Pause suspends buffering without discarding already-captured audio.
// Used when the surrounding view is backgrounded.
func (c *CaptureController) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *CaptureController) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	// Don't let time spent paused count toward the silence window.
	c.lastVoiceAt = time.Now()
}

// Release discards any in-progress capture without emitting a recording.
// Used on session teardown; safe to call repeatedly.
func (c *CaptureController) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *CaptureController) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// VolumeLevel reports the last observed input level on a 0-100 scale.
func (c *CaptureController) VolumeLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *CaptureController) IsVoiceDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceDetected
}

// ReportDeviceError is called by the device layer when the capture stream
// fails mid-recording. The recording in progress is discarded.
func (c *CaptureController) ReportDeviceError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.teardownLocked()
	c.mu.Unlock()
	c.logger.Error("capture device error", "error", err)
	if cb != nil {
		cb(fmt.Errorf("%w: %v", ErrCaptureFailed, err))
	}
}

func (c *CaptureController) finalizeLocked() (func(Recording), Recording) {
	pcm := make([]byte, c.buf.Len())
	copy(pcm, c.buf.Bytes())
	rec := Recording{
		PCM:        pcm,
		SampleRate: c.cfg.SampleRate,
	}
	if c.cfg.SampleRate > 0 {
		samples := len(pcm) / 2
		rec.Duration = time.Duration(samples) * time.Second / time.Duration(c.cfg.SampleRate)
	}
	cb := c.onStopped
	c.teardownLocked()
	return cb, rec
}

func (c *CaptureController) teardownLocked() {
	if c.recording && c.release != nil {
		c.release()
	}
	c.recording = false
	c.paused = false
	c.speechSeen = false
	c.voiceDetected = false
	c.buf.Reset()
	c.vad.Reset()
}
