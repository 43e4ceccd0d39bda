// Package config loads the agent settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
	"github.com/dil-foundation/lms-web-app-sub003/pkg/conversation"
)

// App is the fully resolved configuration for one agent run.
type App struct {
	ServerURL    string
	OpenAIAPIKey string
	LanguageMode conversation.LanguageMode

	Conversation conversation.Config
	Capture      audio.CaptureConfig
	Playback     audio.PlaybackConfig
}

// Load reads the environment (prefix TUTOR_, e.g. TUTOR_SERVER_URL) on
// top of built-in defaults. A .env file in the working directory is
// loaded first if present.
func Load() (App, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return App{}, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetEnvPrefix("TUTOR")
	v.AutomaticEnv()

	v.SetDefault("server_url", "ws://localhost:8000/api/ws/conversation")
	v.SetDefault("language_mode", string(conversation.ModeEnglish))
	v.SetDefault("conversation_id", "")
	v.SetDefault("lesson_id", "")
	v.SetDefault("stage_id", "")
	v.SetDefault("initial_prompt", "")
	v.SetDefault("post_speech_delay", 800*time.Millisecond)
	v.SetDefault("response_timeout", time.Duration(0))
	v.SetDefault("max_reconnect_attempts", 3)
	v.SetDefault("reconnect_delay", 2*time.Second)
	v.SetDefault("sample_rate", 44100)
	v.SetDefault("vad_threshold", 0.0)
	v.SetDefault("silence_window", 3*time.Second)
	v.SetDefault("pre_speech_window", 6*time.Second)
	v.SetDefault("initial_grace_window", 15*time.Second)
	v.SetDefault("inter_word_delay", 300*time.Millisecond)

	mode := conversation.LanguageMode(v.GetString("language_mode"))
	switch mode {
	case conversation.ModeEnglish, conversation.ModeUrdu:
	default:
		return App{}, fmt.Errorf("unknown language mode %q", mode)
	}
	profile := conversation.ProfileFor(mode)

	conv := conversation.DefaultConfig()
	conv.ConversationID = v.GetString("conversation_id")
	conv.LessonID = v.GetString("lesson_id")
	conv.StageID = v.GetString("stage_id")
	conv.InitialPrompt = v.GetString("initial_prompt")
	conv.PostSpeechDelay = v.GetDuration("post_speech_delay")
	// Zero defers to the language profile's response timeout.
	conv.ResponseTimeout = v.GetDuration("response_timeout")
	conv.MaxReconnectAttempts = v.GetInt("max_reconnect_attempts")
	conv.ReconnectDelay = v.GetDuration("reconnect_delay")
	conv.SampleRate = v.GetInt("sample_rate")

	capture := audio.DefaultCaptureConfig()
	capture.SampleRate = conv.SampleRate
	capture.SilenceWindow = v.GetDuration("silence_window")
	capture.PreSpeechWindow = v.GetDuration("pre_speech_window")
	capture.InitialGraceWindow = v.GetDuration("initial_grace_window")
	// The language profile sets the threshold unless the environment
	// overrides it explicitly.
	capture.VADThreshold = profile.VADThreshold
	if t := v.GetFloat64("vad_threshold"); t > 0 {
		capture.VADThreshold = t
	}

	playback := audio.DefaultPlaybackConfig()
	playback.SampleRate = conv.SampleRate
	playback.InterWordDelay = v.GetDuration("inter_word_delay")

	return App{
		ServerURL:    v.GetString("server_url"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		LanguageMode: mode,
		Conversation: conv,
		Capture:      capture,
		Playback:     playback,
	}, nil
}
