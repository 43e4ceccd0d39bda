package conversation

import "time"

// Config carries the orchestrator tunables. Durations are product knobs,
// not architectural constants; the config package layers file/env
// overrides on top of these defaults.
type Config struct {
	ConversationID string
	LessonID       string
	StageID        string

	// InitialPrompt, when non-empty, is sent as soon as the transport
	// opens and the machine starts in PROCESSING instead of WAITING.
	InitialPrompt string

	// PostSpeechDelay is the pause between audio ending and the mic
	// becoming available again.
	PostSpeechDelay time.Duration

	// ResponseTimeout bounds how long PROCESSING waits for the server
	// before giving up. Zero defers to the language profile.
	ResponseTimeout time.Duration

	// MaxReconnectAttempts bounds DISCONNECTED-state reconnects before
	// the orchestrator stops trying on its own.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	SampleRate int
}

func DefaultConfig() Config {
	return Config{
		PostSpeechDelay:      800 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       2 * time.Second,
		SampleRate:           44100,
	}
}
