package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
)

// Orchestrator owns one conversation session: it serializes every
// independently-arriving event (socket messages, timers, capture and
// playback completions, user actions) through a single loop goroutine,
// reduces each against the snapshot, and executes the resulting effects
// on the transport and the audio controllers.
type Orchestrator struct {
	cfg     Config
	profile LanguageProfile
	fade    audio.FadeOpts

	session   *Session
	transport Transport
	capture   Capture
	playback  Playback
	logger    Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	live   atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	loopDone  chan struct{}

	mu             sync.Mutex
	snap           Snapshot
	postTimer      *time.Timer
	timerGen       uint64
	responseTimer  *time.Timer
	responseGen    uint64
	reconnectTimer *time.Timer
	autoReconnects int
	unsubs         []func()
	diagnostics    []ConversationError
}

// New wires an orchestrator. The playback controller is an owned,
// injected collaborator, never a package-level singleton, which is what
// keeps the one-playing-clip invariant visible.
func New(cfg Config, mode LanguageMode, t Transport, c Capture, p Playback, logger Logger) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Orchestrator{
		cfg:       cfg,
		profile:   ProfileFor(mode),
		fade:      audio.FadeOpts{FadeIn: 80 * time.Millisecond, FadeOut: 120 * time.Millisecond},
		session:   NewSession(mode),
		transport: t,
		capture:   c,
		playback:  p,
		logger:    logger,
		events:    make(chan Event, 256),
		loopDone:  make(chan struct{}),
		snap:      NewSnapshot(mode, cfg.InitialPrompt != ""),
	}
}

// Start subscribes to the collaborators, starts the event loop and opens
// the transport. A connect failure is returned to the caller and also
// lands the machine in DISCONNECTED, where the retry control and the
// bounded auto-reconnect take over.
func (o *Orchestrator) Start(ctx context.Context) error {
	var err error
	o.startOnce.Do(func() {
		o.ctx, o.cancel = context.WithCancel(ctx)
		o.live.Store(true)
		o.subscribe()
		go o.loop()
		err = o.transport.Connect(o.ctx)
		if err != nil {
			// Failed connects still drive the DISCONNECTED recovery path;
			// the caller's error is informational.
			o.post(Event{Type: EvTransportError, Err: err})
		}
	})
	return err
}

func (o *Orchestrator) subscribe() {
	unsub := o.transport.OnOpen(func() {
		o.post(Event{Type: EvTransportOpen})
	})
	o.addUnsub(unsub)

	unsub = o.transport.OnClose(func(err error) {
		o.post(Event{Type: EvTransportClosed, Err: err})
	})
	o.addUnsub(unsub)

	unsub = o.transport.OnError(func(err error) {
		o.post(Event{Type: EvTransportError, Err: err})
	})
	o.addUnsub(unsub)

	unsub = o.transport.OnMessage(func(raw json.RawMessage) {
		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			o.logger.Warn("undecodable control message dropped", "error", err)
			return
		}
		o.post(Event{Type: EvServerStep, Msg: &msg})
	})
	o.addUnsub(unsub)

	unsub = o.transport.OnBinary(func(data []byte) {
		clip := make([]byte, len(data))
		copy(clip, data)
		o.post(Event{Type: EvServerAudio, Audio: clip})
	})
	o.addUnsub(unsub)

	o.capture.SetHandlers(
		func(rec audio.Recording) {
			o.post(Event{Type: EvCaptureStopped, Recording: &rec})
		},
		func(err error) {
			o.post(Event{Type: EvCaptureFailed, Err: err})
		},
	)

	o.playback.SetHandlers(
		func(id string, err error) {
			o.post(Event{Type: EvPlaybackDone, ClipID: id, Err: err})
		},
		func(err error) {
			o.post(Event{Type: EvWordsDone, Err: err})
		},
	)
	o.playback.SetWordProgress(func(idx int) {
		o.post(Event{Type: EvWordGroupSpoken, WordIndex: idx})
	})
}

func (o *Orchestrator) addUnsub(fn func()) {
	o.mu.Lock()
	o.unsubs = append(o.unsubs, fn)
	o.mu.Unlock()
}

// post hands an event to the loop. After teardown, or once the loop is
// gone, events are dropped: late callbacks must never resurrect state.
func (o *Orchestrator) post(ev Event) {
	if !o.live.Load() {
		return
	}
	select {
	case o.events <- ev:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for {
		select {
		case ev := <-o.events:
			o.dispatch(ev)
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) dispatch(ev Event) {
	if ev.Type == EvPostSpeechElapsed {
		o.mu.Lock()
		stale := ev.Gen != o.timerGen
		o.mu.Unlock()
		if stale {
			return
		}
	}

	o.mu.Lock()
	prev := o.snap
	next, effects := Reduce(prev, ev)
	o.snap = next
	o.mu.Unlock()

	if next.State != prev.State {
		o.logger.Debug("state transition",
			"from", string(prev.State), "to", string(next.State), "event", string(ev.Type))
	}
	if next.SessionID != prev.SessionID {
		o.session.SetID(next.SessionID)
	}

	for _, fx := range effects {
		o.applyEffect(fx)
	}

	o.manageResponseTimer(prev.State, next.State)
	o.maybeAutoReconnect(ev, next)
}

// manageResponseTimer arms the server-response deadline on entry to
// PROCESSING and disarms it on exit. A turn the server never answers
// lands in ERROR rather than hanging.
func (o *Orchestrator) manageResponseTimer(prev, next State) {
	if prev == next {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responseGen++
	if o.responseTimer != nil {
		o.responseTimer.Stop()
		o.responseTimer = nil
	}
	if next != StateProcessing {
		return
	}
	timeout := o.cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = o.profile.ResponseTimeout
	}
	gen := o.responseGen
	o.responseTimer = time.AfterFunc(timeout, func() {
		o.mu.Lock()
		stale := gen != o.responseGen
		o.mu.Unlock()
		if stale {
			return
		}
		o.post(Event{
			Type:    EvInternalError,
			Err:     errors.New("no response from tutor service"),
			ErrCode: CodeConnection,
		})
	})
}

func (o *Orchestrator) applyEffect(fx Effect) {
	switch fx.Type {
	case FxStartCapture:
		if err := o.capture.Start(fx.FirstTurn); err != nil {
			o.post(Event{Type: EvCaptureFailed, Err: err})
		}

	case FxStopCapture:
		o.capture.Stop()

	case FxReleaseCapture:
		o.capture.Release()

	case FxSendRecording:
		o.sendRecording(fx.Recording)

	case FxSendInitialPrompt:
		o.sendInitialPrompt()

	case FxPlayClip:
		o.playback.PlayClip(fx.ID, fx.Audio, o.fade)

	case FxSpeakText:
		o.playback.SpeakText(fx.ID, fx.Text, o.profile.VoiceParams())

	case FxSpeakWords:
		o.playback.SpeakWords(fx.Words, o.profile.VoiceParams())

	case FxStopAudio:
		o.playback.StopCurrent()

	case FxSchedulePostSpeech:
		o.schedulePostSpeech()

	case FxCancelTimers:
		o.cancelTimers()

	case FxAppendAI:
		o.session.AppendAI(fx.Text, "")

	case FxMergeContext:
		o.session.MergeContext(fx.Context)

	case FxSetLastUserInput:
		o.session.SetLastUserInput(fx.Text)

	case FxReconnect:
		go o.reconnect()

	case FxResetSession:
		o.session.Reset()

	case FxWarn:
		o.logger.Warn(fx.Text, "detail", fx.ID)

	case FxSurfaceError:
		if fx.Err != nil {
			o.mu.Lock()
			o.diagnostics = append(o.diagnostics, *fx.Err)
			o.mu.Unlock()
			o.logger.Error(fx.Err.Message, "code", string(fx.Err.Code), "state", string(fx.Err.State))
		}
	}
}

func (o *Orchestrator) sendRecording(rec *audio.Recording) {
	if rec == nil {
		return
	}
	wav := audio.NewWavBuffer(rec.PCM, rec.SampleRate)
	upload := newAudioUpload(o.cfg, o.session.Mode(), o.session.ID(), wav, o.session.ContextCopy(), time.Now())

	o.session.AppendUser("", upload.Filename)

	payload, err := json.Marshal(upload)
	if err != nil {
		o.post(Event{Type: EvInternalError, Err: err, ErrCode: CodeInternal})
		return
	}
	if err := o.transport.Send(payload); err != nil {
		o.post(Event{Type: EvInternalError, Err: err, ErrCode: CodeNotConnected})
	}
}

func (o *Orchestrator) sendInitialPrompt() {
	msg := newInitialPrompt(o.cfg, o.session.Mode(), time.Now())
	payload, err := json.Marshal(msg)
	if err != nil {
		o.post(Event{Type: EvInternalError, Err: err, ErrCode: CodeInternal})
		return
	}
	if err := o.transport.Send(payload); err != nil {
		o.post(Event{Type: EvInternalError, Err: err, ErrCode: CodeNotConnected})
	}
}

func (o *Orchestrator) schedulePostSpeech() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.postTimer != nil {
		o.postTimer.Stop()
	}
	o.timerGen++
	gen := o.timerGen
	o.postTimer = time.AfterFunc(o.cfg.PostSpeechDelay, func() {
		o.post(Event{Type: EvPostSpeechElapsed, Gen: gen})
	})
}

func (o *Orchestrator) cancelTimers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timerGen++
	if o.postTimer != nil {
		o.postTimer.Stop()
		o.postTimer = nil
	}
}

func (o *Orchestrator) reconnect() {
	if !o.live.Load() {
		return
	}
	if err := o.transport.Connect(o.ctx); err != nil {
		o.logger.Warn("reconnect failed", "error", err)
		o.post(Event{Type: EvTransportError, Err: err})
	}
}

// maybeAutoReconnect retries a dropped connection a bounded number of
// times on its own; past the cap, recovery belongs to the retry control.
func (o *Orchestrator) maybeAutoReconnect(ev Event, snap Snapshot) {
	switch ev.Type {
	case EvTransportOpen:
		o.mu.Lock()
		o.autoReconnects = 0
		if o.reconnectTimer != nil {
			o.reconnectTimer.Stop()
			o.reconnectTimer = nil
		}
		o.mu.Unlock()

	case EvTransportClosed, EvTransportError:
		if snap.State != StateDisconnected {
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.autoReconnects >= o.cfg.MaxReconnectAttempts {
			return
		}
		o.autoReconnects++
		attempt := o.autoReconnects
		o.logger.Info("scheduling reconnect",
			"attempt", attempt, "max", o.cfg.MaxReconnectAttempts)
		if o.reconnectTimer != nil {
			o.reconnectTimer.Stop()
		}
		o.reconnectTimer = time.AfterFunc(o.cfg.ReconnectDelay, o.reconnect)
	}
}

// PressMic asks for a new recording. Valid only while WAITING with the
// transport open and nothing playing.
func (o *Orchestrator) PressMic() {
	o.post(Event{
		Type:      EvMicPressed,
		Connected: o.transport.IsConnected(),
		AudioIdle: !o.playback.IsAnyPlaying(),
	})
}

// PressStop ends the current recording manually.
func (o *Orchestrator) PressStop() {
	o.post(Event{Type: EvStopPressed})
}

// PressRetry recovers from ERROR (retry the last operation) or
// DISCONNECTED (reconnect).
func (o *Orchestrator) PressRetry() {
	o.post(Event{
		Type:      EvRetryPressed,
		Connected: o.transport.IsConnected(),
	})
}

// ResetSession starts the conversation over: transcript, context and all
// counters cleared.
func (o *Orchestrator) ResetSession() {
	o.post(Event{
		Type:      EvReset,
		Connected: o.transport.IsConnected(),
	})
}

// PauseCapture / ResumeCapture mirror the surrounding view being
// backgrounded and foregrounded. Captured audio is kept.
func (o *Orchestrator) PauseCapture()  { o.capture.Pause() }
func (o *Orchestrator) ResumeCapture() { o.capture.Resume() }

// Snapshot returns the machine's current state value.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Controls reports which user controls are enabled right now.
func (o *Orchestrator) Controls() Controls {
	return ControlsFor(o.Snapshot().State)
}

// Session exposes the transcript and context for rendering.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Diagnostics returns the accumulated structured error log.
func (o *Orchestrator) Diagnostics() []ConversationError {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ConversationError, len(o.diagnostics))
	copy(out, o.diagnostics)
	return out
}

// Close tears the session down: live flag first so in-flight callbacks
// no-op, then timers, speech, capture, playback, transport, listeners.
// Safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.live.Store(false)
		if o.cancel != nil {
			o.cancel()
			<-o.loopDone
		}

		o.mu.Lock()
		o.timerGen++
		o.responseGen++
		if o.postTimer != nil {
			o.postTimer.Stop()
			o.postTimer = nil
		}
		if o.responseTimer != nil {
			o.responseTimer.Stop()
			o.responseTimer = nil
		}
		if o.reconnectTimer != nil {
			o.reconnectTimer.Stop()
			o.reconnectTimer = nil
		}
		unsubs := o.unsubs
		o.unsubs = nil
		o.mu.Unlock()

		o.playback.StopCurrent()
		o.capture.Release()
		if err := o.transport.Close(); err != nil {
			o.logger.Warn("transport close", "error", err)
		}
		for _, fn := range unsubs {
			fn()
		}
	})
}
