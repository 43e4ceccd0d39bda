package conversation

import (
	"time"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
)

// LanguageMode selects the tutoring language. Fixed at session start; a
// toggle starts a new session.
type LanguageMode string

const (
	ModeEnglish LanguageMode = "english"
	ModeUrdu    LanguageMode = "urdu"
)

// LanguageProfile holds the per-language timing and voice parameters
// consumed by the orchestrator and the capture controller. Pure data.
type LanguageProfile struct {
	SpeechLocaleTag string
	SpeechRate      float64
	SpeechPitch     float64
	VADThreshold    float64
	ResponseTimeout time.Duration
}

// ProfileFor returns the profile for a language mode. Unknown modes fall
// back to English.
func ProfileFor(mode LanguageMode) LanguageProfile {
	switch mode {
	case ModeUrdu:
		return LanguageProfile{
			SpeechLocaleTag: "ur-PK",
			SpeechRate:      0.85,
			SpeechPitch:     1.0,
			VADThreshold:    0.03,
			ResponseTimeout: 45 * time.Second,
		}
	default:
		return LanguageProfile{
			SpeechLocaleTag: "en-US",
			SpeechRate:      1.0,
			SpeechPitch:     1.0,
			VADThreshold:    0.025,
			ResponseTimeout: 30 * time.Second,
		}
	}
}

// VoiceParams converts the profile into synthesizer parameters.
func (p LanguageProfile) VoiceParams() audio.VoiceParams {
	return audio.VoiceParams{
		LocaleTag: p.SpeechLocaleTag,
		Rate:      p.SpeechRate,
		Pitch:     p.SpeechPitch,
		Volume:    1.0,
	}
}
