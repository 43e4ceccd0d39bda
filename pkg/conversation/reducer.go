package conversation

import (
	"time"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
)

// EventType enumerates everything that can happen to the machine:
// transport lifecycle, server messages, user actions, controller
// completions and timers. All of them funnel through one loop.
type EventType string

const (
	EvTransportOpen     EventType = "TRANSPORT_OPEN"
	EvTransportClosed   EventType = "TRANSPORT_CLOSED"
	EvTransportError    EventType = "TRANSPORT_ERROR"
	EvServerStep        EventType = "SERVER_STEP"
	EvServerAudio       EventType = "SERVER_AUDIO"
	EvMicPressed        EventType = "MIC_PRESSED"
	EvStopPressed       EventType = "STOP_PRESSED"
	EvRetryPressed      EventType = "RETRY_PRESSED"
	EvCaptureStopped    EventType = "CAPTURE_STOPPED"
	EvCaptureFailed     EventType = "CAPTURE_FAILED"
	EvPlaybackDone      EventType = "PLAYBACK_DONE"
	EvWordGroupSpoken   EventType = "WORD_GROUP_SPOKEN"
	EvWordsDone         EventType = "WORDS_DONE"
	EvPostSpeechElapsed EventType = "POST_SPEECH_ELAPSED"
	EvInternalError     EventType = "INTERNAL_ERROR"
	EvReset             EventType = "RESET"
)

// Event is the reducer's input. The orchestrator fills in the environment
// flags (Connected, AudioIdle) a pure function cannot observe on its own.
type Event struct {
	Type      EventType
	Msg       *ServerMessage
	Audio     []byte
	Recording *audio.Recording
	ClipID    string
	WordIndex int
	Err       error
	ErrCode   ErrorCode

	Connected bool
	AudioIdle bool
	Gen       uint64
}

// Snapshot is the machine's complete mutable state as a value. The
// reducer is a pure function over it; the session transcript is updated
// through effects.
type Snapshot struct {
	State        State
	SessionID    string
	LanguageMode LanguageMode
	Connected    bool

	HasInitialPrompt  bool
	FirstResponseSeen bool
	FirstTurnDone     bool

	// RetryCount and ErrorRecoveryAttempts only ever grow; a full session
	// reset is the one thing that clears them.
	RetryCount            int
	ErrorRecoveryAttempts int
	ReconnectAttempts     int

	// PendingAudioID is the single in-flight playback slot. Non-empty
	// only in audio-producing states.
	PendingAudioID string
	CurrentWords   []string
	WordIndex      int

	LastError *ConversationError
}

// NewSnapshot is the machine's starting point.
func NewSnapshot(mode LanguageMode, hasInitialPrompt bool) Snapshot {
	return Snapshot{
		State:            StateInitializing,
		LanguageMode:     mode,
		HasInitialPrompt: hasInitialPrompt,
	}
}

type EffectType string

const (
	FxStartCapture       EffectType = "START_CAPTURE"
	FxStopCapture        EffectType = "STOP_CAPTURE"
	FxReleaseCapture     EffectType = "RELEASE_CAPTURE"
	FxSendRecording      EffectType = "SEND_RECORDING"
	FxSendInitialPrompt  EffectType = "SEND_INITIAL_PROMPT"
	FxPlayClip           EffectType = "PLAY_CLIP"
	FxSpeakText          EffectType = "SPEAK_TEXT"
	FxSpeakWords         EffectType = "SPEAK_WORDS"
	FxStopAudio          EffectType = "STOP_AUDIO"
	FxSchedulePostSpeech EffectType = "SCHEDULE_POST_SPEECH"
	FxCancelTimers       EffectType = "CANCEL_TIMERS"
	FxAppendAI           EffectType = "APPEND_AI"
	FxMergeContext       EffectType = "MERGE_CONTEXT"
	FxSetLastUserInput   EffectType = "SET_LAST_USER_INPUT"
	FxReconnect          EffectType = "RECONNECT"
	FxResetSession       EffectType = "RESET_SESSION"
	FxWarn               EffectType = "WARN"
	FxSurfaceError       EffectType = "SURFACE_ERROR"
)

// Effect is a side effect the orchestrator must execute after a reduce.
type Effect struct {
	Type      EffectType
	ID        string
	Text      string
	Words     []string
	Audio     []byte
	Recording *audio.Recording
	Context   map[string]interface{}
	Err       *ConversationError
	FirstTurn bool
}

// Reduce applies one event to a snapshot and returns the next snapshot
// plus the side effects to run. It never touches I/O, which is what makes
// the whole transition table testable as data-in data-out.
func Reduce(s Snapshot, ev Event) (Snapshot, []Effect) {
	switch ev.Type {

	case EvTransportOpen:
		s.Connected = true
		s.ReconnectAttempts = 0
		switch s.State {
		case StateInitializing, StateConnecting, StateDisconnected:
			if s.HasInitialPrompt {
				s.State = StateProcessing
				return s, []Effect{{Type: FxSendInitialPrompt}}
			}
			s.State = StateWaiting
		}
		return s, nil

	case EvTransportClosed, EvTransportError:
		s.Connected = false
		if s.State == StateDisconnected {
			return s, nil
		}
		s.State = StateDisconnected
		s.PendingAudioID = ""
		s.CurrentWords = nil
		s.WordIndex = 0
		return s, []Effect{
			{Type: FxCancelTimers},
			{Type: FxStopAudio},
			{Type: FxReleaseCapture},
		}

	case EvMicPressed:
		// A new recording needs WAITING, an open transport and silence.
		if s.State != StateWaiting || !ev.Connected || !ev.AudioIdle {
			return s, []Effect{{Type: FxWarn, Text: "mic press ignored", ID: string(s.State)}}
		}
		s.State = StateListening
		return s, []Effect{{Type: FxStartCapture, FirstTurn: !s.FirstTurnDone}}

	case EvStopPressed:
		if s.State != StateListening {
			return s, nil
		}
		return s, []Effect{{Type: FxStopCapture}}

	case EvCaptureStopped:
		if s.State != StateListening || ev.Recording == nil {
			return s, []Effect{{Type: FxWarn, Text: "stale capture result dropped"}}
		}
		s.State = StateProcessing
		s.FirstTurnDone = true
		// Sending also appends the user's transcript entry; both ride on
		// the one effect so the filename stays consistent.
		return s, []Effect{{Type: FxSendRecording, Recording: ev.Recording}}

	case EvCaptureFailed:
		// Microphone trouble surfaces to the user log but does not force
		// the machine into ERROR; the action just fails.
		if s.State == StateListening {
			s.State = StateWaiting
		}
		return s, []Effect{{Type: FxSurfaceError, Err: s.captureError(ev.Err)}}

	case EvServerStep:
		return reduceStep(s, ev)

	case EvServerAudio:
		// Binary frames are the audio-delivery side channel: always an AI
		// clip, always forcing SPEAKING no matter what state we were in.
		var fx []Effect
		if s.State == StateListening {
			// The clip preempts the recording; release the mic so the
			// discarded capture never surfaces.
			fx = append(fx, Effect{Type: FxReleaseCapture})
		}
		s.State = StateSpeaking
		s.PendingAudioID = "clip"
		s.CurrentWords = nil
		s.WordIndex = 0
		return s, append(fx,
			Effect{Type: FxCancelTimers},
			Effect{Type: FxPlayClip, ID: "clip", Audio: ev.Audio},
		)

	case EvPlaybackDone:
		if !s.State.IsAudioProducing() {
			return s, nil
		}
		s.PendingAudioID = ""
		var fx []Effect
		if ev.Err != nil {
			// Playback failure counts as completion for sequencing.
			fx = append(fx, Effect{Type: FxWarn, Text: "playback ended with error", ID: ev.ClipID})
		}
		return s, append(fx, Effect{Type: FxSchedulePostSpeech})

	case EvWordGroupSpoken:
		if s.State == StateWordByWord {
			s.WordIndex = ev.WordIndex
		}
		return s, nil

	case EvWordsDone:
		if s.State != StateWordByWord {
			return s, nil
		}
		s.PendingAudioID = ""
		return s, []Effect{{Type: FxSchedulePostSpeech}}

	case EvPostSpeechElapsed:
		if !s.State.IsAudioProducing() {
			return s, nil
		}
		s.State = StateWaiting
		s.PendingAudioID = ""
		s.CurrentWords = nil
		s.WordIndex = 0
		return s, nil

	case EvRetryPressed:
		switch s.State {
		case StateError:
			s.ErrorRecoveryAttempts++
			s.LastError = nil
			if ev.Connected {
				s.State = StateWaiting
				return s, nil
			}
			s.State = StateConnecting
			return s, []Effect{{Type: FxReconnect}}
		case StateDisconnected:
			s.ReconnectAttempts++
			s.State = StateConnecting
			return s, []Effect{{Type: FxReconnect}}
		}
		return s, nil

	case EvInternalError:
		cerr := &ConversationError{
			Message:      errMessage(ev.Err),
			Code:         ev.ErrCode,
			Timestamp:    time.Now(),
			State:        s.State,
			LanguageMode: s.LanguageMode,
			IsConnected:  s.Connected,
		}
		s.State = StateError
		s.LastError = cerr
		s.PendingAudioID = ""
		s.CurrentWords = nil
		s.WordIndex = 0
		return s, []Effect{
			{Type: FxCancelTimers},
			{Type: FxStopAudio},
			{Type: FxSurfaceError, Err: cerr},
		}

	case EvReset:
		// User-initiated full reset: the one thing that clears the
		// context map and the counters.
		next := NewSnapshot(s.LanguageMode, s.HasInitialPrompt)
		next.Connected = ev.Connected
		if ev.Connected {
			next.State = StateWaiting
		} else {
			next.State = StateDisconnected
		}
		return next, []Effect{
			{Type: FxCancelTimers},
			{Type: FxStopAudio},
			{Type: FxReleaseCapture},
			{Type: FxResetSession},
		}
	}

	return s, nil
}

// reduceStep handles inbound control messages. Every message's context
// field is merged; session_id is captured whenever present.
func reduceStep(s Snapshot, ev Event) (Snapshot, []Effect) {
	msg := ev.Msg
	if msg == nil {
		return s, nil
	}

	var fx []Effect
	if msg.SessionID != "" {
		s.SessionID = msg.SessionID
	}
	if len(msg.Context) > 0 {
		fx = append(fx, Effect{Type: FxMergeContext, Context: msg.Context})
	}

	if !knownStep(msg.Step) {
		// Unknown steps are tolerated: exactly one warning, no state change.
		return s, append(fx, Effect{Type: FxWarn, Text: "unknown step", ID: msg.Step})
	}

	if s.State == StateListening {
		// The server took the turn over; the half-finished recording is
		// discarded, never uploaded.
		fx = append(fx, Effect{Type: FxReleaseCapture})
	}

	switch msg.Step {
	case StepConversationResponse:
		text := msg.SpokenText()
		if s.HasInitialPrompt && !s.FirstTurnDone && !s.FirstResponseSeen {
			// The reply to the configured opening prompt plays as the intro.
			s.State = StatePlayingIntro
		} else {
			s.State = StateSpeaking
		}
		s.FirstResponseSeen = true
		fx = append(fx, Effect{Type: FxAppendAI, Text: text})
		return enterSpoken(s, "response", text, fx)

	case StepRetry:
		s.RetryCount++
		s.State = StatePlayingRetry
		return enterSpoken(s, "retry", msg.SpokenText(), fx)

	case StepAwaitNext:
		s.FirstResponseSeen = true
		s.State = StatePlayingAwaitNext
		return enterSpoken(s, "await_next", msg.SpokenText(), fx)

	case StepFeedback:
		s.State = StatePlayingFeedback
		return enterSpoken(s, "feedback", msg.SpokenText(), fx)

	case StepYouSaidAudio:
		if msg.UserInput != "" {
			fx = append(fx, Effect{Type: FxSetLastUserInput, Text: msg.UserInput})
		}
		s.State = StatePlayingYouSaid
		return enterSpoken(s, "you_said", msg.SpokenText(), fx)

	case StepWordByWord, StepRepeatPrompt:
		words := msg.WordList()
		s.State = StateWordByWord
		s.CurrentWords = words
		s.WordIndex = 0
		fx = append(fx, Effect{Type: FxCancelTimers})
		if len(words) == 0 {
			// Nothing to speak: degenerate to an immediate transition.
			s.PendingAudioID = ""
			return s, append(fx, Effect{Type: FxSchedulePostSpeech})
		}
		s.PendingAudioID = "word_by_word"
		return s, append(fx, Effect{Type: FxSpeakWords, Words: words})

	case StepEnglishInput:
		s.State = StateEnglishInput
		return enterSpoken(s, "english_input", msg.SpokenText(), fx)

	case StepError:
		cerr := &ConversationError{
			Message:      msg.SpokenText(),
			Code:         CodeServer,
			Timestamp:    time.Now(),
			RetryAfter:   msg.RetryAfter,
			State:        s.State,
			LanguageMode: s.LanguageMode,
			IsConnected:  s.Connected,
		}
		s.State = StateError
		s.LastError = cerr
		s.PendingAudioID = ""
		s.CurrentWords = nil
		s.WordIndex = 0
		return s, append(fx,
			Effect{Type: FxCancelTimers},
			Effect{Type: FxStopAudio},
			Effect{Type: FxSurfaceError, Err: cerr},
		)
	}

	return s, fx
}

func knownStep(step string) bool {
	switch step {
	case StepRetry, StepAwaitNext, StepFeedback, StepYouSaidAudio,
		StepRepeatPrompt, StepWordByWord, StepConversationResponse,
		StepEnglishInput, StepError:
		return true
	}
	return false
}

// enterSpoken finishes entry into an audio-producing state whose content
// is synthesized from text. Empty text short-circuits straight to the
// post-speech delay.
func enterSpoken(s Snapshot, id, text string, fx []Effect) (Snapshot, []Effect) {
	fx = append(fx, Effect{Type: FxCancelTimers})
	if text == "" {
		s.PendingAudioID = ""
		return s, append(fx, Effect{Type: FxSchedulePostSpeech})
	}
	s.PendingAudioID = id
	return s, append(fx, Effect{Type: FxSpeakText, ID: id, Text: text})
}

func (s Snapshot) captureError(err error) *ConversationError {
	return &ConversationError{
		Message:      errMessage(err),
		Code:         CodeCapture,
		Timestamp:    time.Now(),
		State:        s.State,
		LanguageMode: s.LanguageMode,
		IsConnected:  s.Connected,
	}
}

func errMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
