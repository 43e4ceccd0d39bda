package conversation

import (
	"context"
	"encoding/json"
	"log"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
)

// Logger is the module-wide leveled logger, declared once in pkg/audio.
type Logger = audio.Logger

type NoOpLogger = audio.NoOpLogger

// StdLogger adapts the standard library logger.
type StdLogger struct {
	L *log.Logger
}

func (s *StdLogger) logf(level, msg string, args []interface{}) {
	if len(args) == 0 {
		s.L.Printf("[%s] %s", level, msg)
		return
	}
	s.L.Printf("[%s] %s %v", level, msg, args)
}

func (s *StdLogger) Debug(msg string, args ...interface{}) { s.logf("DEBUG", msg, args) }
func (s *StdLogger) Info(msg string, args ...interface{})  { s.logf("INFO", msg, args) }
func (s *StdLogger) Warn(msg string, args ...interface{})  { s.logf("WARN", msg, args) }
func (s *StdLogger) Error(msg string, args ...interface{}) { s.logf("ERROR", msg, args) }

// State is one of the conversation machine's states. Exactly one is active
// at any instant.
type State string

const (
	StateInitializing     State = "INITIALIZING"
	StateConnecting       State = "CONNECTING"
	StateWaiting          State = "WAITING"
	StateListening        State = "LISTENING"
	StateProcessing       State = "PROCESSING"
	StateSpeaking         State = "SPEAKING"
	StatePlayingIntro     State = "PLAYING_INTRO"
	StatePlayingAwaitNext State = "PLAYING_AWAIT_NEXT"
	StatePlayingRetry     State = "PLAYING_RETRY"
	StatePlayingFeedback  State = "PLAYING_FEEDBACK"
	StatePlayingYouSaid   State = "PLAYING_YOU_SAID"
	StateWordByWord       State = "WORD_BY_WORD"
	StateEnglishInput     State = "ENGLISH_INPUT_EDGE_CASE"
	StateError            State = "ERROR"
	StateDisconnected     State = "DISCONNECTED"
)

// IsAudioProducing reports whether the state may hold a pending audio
// source. Pending audio is always cleared before WAITING or ERROR.
func (s State) IsAudioProducing() bool {
	switch s {
	case StateSpeaking, StateWordByWord, StatePlayingIntro, StatePlayingAwaitNext,
		StatePlayingRetry, StatePlayingFeedback, StatePlayingYouSaid, StateEnglishInput:
		return true
	}
	return false
}

// Controls is the set of user controls enabled in a state. It is a pure
// function of the state.
type Controls struct {
	Mic   bool
	Stop  bool
	Retry bool
}

// ControlsFor maps a state to its enabled controls. The retry control
// doubles as the explicit reconnect action while disconnected.
func ControlsFor(s State) Controls {
	switch s {
	case StateWaiting:
		return Controls{Mic: true}
	case StateListening:
		return Controls{Stop: true}
	case StateError, StateDisconnected:
		return Controls{Retry: true}
	default:
		return Controls{}
	}
}

// Transport is the duplex channel the orchestrator talks to the tutor
// backend over. *transport.Channel satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(payload []byte) error
	Close() error
	IsConnected() bool
	OnMessage(fn func(json.RawMessage)) (unsubscribe func())
	OnBinary(fn func([]byte)) (unsubscribe func())
	OnOpen(fn func()) (unsubscribe func())
	OnClose(fn func(err error)) (unsubscribe func())
	OnError(fn func(err error)) (unsubscribe func())
}

// Capture is the microphone side. *audio.CaptureController satisfies it.
type Capture interface {
	SetHandlers(onStopped func(audio.Recording), onError func(error))
	Start(firstTurn bool) error
	Stop()
	Pause()
	Resume()
	Release()
}

// Playback is the speaker side. *audio.PlaybackController satisfies it.
type Playback interface {
	SetHandlers(onFinished func(id string, err error), onWordsFinished func(err error))
	SetWordProgress(fn func(wordIndex int))
	PlayClip(id string, pcm []byte, fade audio.FadeOpts)
	SpeakText(id, text string, params audio.VoiceParams)
	SpeakWords(words []string, params audio.VoiceParams)
	StopCurrent()
	IsAnyPlaying() bool
}
