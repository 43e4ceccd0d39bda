package conversation

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// Step labels on inbound control messages. The server drives branching by
// tagging each message with the flow branch it belongs to.
const (
	StepRetry                = "retry"
	StepAwaitNext            = "await_next"
	StepFeedback             = "feedback_step"
	StepYouSaidAudio         = "you_said_audio"
	StepRepeatPrompt         = "repeat_prompt"
	StepWordByWord           = "word_by_word"
	StepConversationResponse = "conversation_response"
	StepEnglishInput         = "english_input"
	StepError                = "error"
)

// ServerMessage is an inbound JSON control message. Fields beyond step
// vary by branch.
type ServerMessage struct {
	Step       string                 `json:"step"`
	SessionID  string                 `json:"session_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Response   string                 `json:"response,omitempty"`
	Feedback   string                 `json:"feedback,omitempty"`
	UserInput  string                 `json:"user_input,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Words      []string               `json:"words,omitempty"`
	RetryAfter float64                `json:"retry_after,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// SpokenText picks the displayable/speakable text of a message. message
// wins over response over feedback.
func (m *ServerMessage) SpokenText() string {
	if m.Message != "" {
		return m.Message
	}
	if m.Response != "" {
		return m.Response
	}
	return m.Feedback
}

// WordList returns the word sequence for word-delivery steps: the words
// field if present, else the text field split on whitespace, else empty
// (which degenerates to an immediate no-op transition).
func (m *ServerMessage) WordList() []string {
	if len(m.Words) > 0 {
		return m.Words
	}
	if m.Text != "" {
		return strings.Fields(m.Text)
	}
	return nil
}

// AudioUpload is the outbound message carrying one finished recording.
type AudioUpload struct {
	AudioBase64    string                 `json:"audio_base64"`
	Filename       string                 `json:"filename"`
	LanguageMode   string                 `json:"language_mode"`
	SessionID      string                 `json:"session_id"`
	ConversationID string                 `json:"conversation_id"`
	LessonID       string                 `json:"lesson_id"`
	StageID        string                 `json:"stage_id"`
	Context        map[string]interface{} `json:"context"`
	Timestamp      string                 `json:"timestamp"`
}

// InitialPromptMessage opens a configured conversation flow.
type InitialPromptMessage struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	LanguageMode   string `json:"language_mode"`
	ConversationID string `json:"conversation_id"`
	LessonID       string `json:"lesson_id"`
	StageID        string `json:"stage_id"`
	Timestamp      string `json:"timestamp"`
}

func newAudioUpload(cfg Config, mode LanguageMode, sessionID string, wav []byte, ctx map[string]interface{}, now time.Time) AudioUpload {
	return AudioUpload{
		AudioBase64:    base64.StdEncoding.EncodeToString(wav),
		Filename:       "recording_" + strconv.FormatInt(now.UnixMilli(), 10) + ".wav",
		LanguageMode:   string(mode),
		SessionID:      sessionID,
		ConversationID: cfg.ConversationID,
		LessonID:       cfg.LessonID,
		StageID:        cfg.StageID,
		Context:        ctx,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
}

func newInitialPrompt(cfg Config, mode LanguageMode, now time.Time) InitialPromptMessage {
	return InitialPromptMessage{
		Type:           "initial_prompt",
		Message:        cfg.InitialPrompt,
		LanguageMode:   string(mode),
		ConversationID: cfg.ConversationID,
		LessonID:       cfg.LessonID,
		StageID:        cfg.StageID,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
}
