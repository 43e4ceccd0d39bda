package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role tags a transcript entry.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// ChatMessage is one entry of the append-only transcript.
type ChatMessage struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	// AudioRef names the audio attached to the entry, e.g. the uploaded
	// recording's filename or a played clip id.
	AudioRef string
}

// Session is the in-memory conversation record: the transcript, the
// accumulated server context and the most-recent turn snapshots. The
// transcript grows monotonically; entries are never reordered, removed or
// edited in place.
type Session struct {
	mu sync.RWMutex

	// ID is the opaque server-assigned session id; empty until the first
	// exchange delivers one.
	id string

	mode LanguageMode

	messages      []ChatMessage
	context       map[string]interface{}
	lastUserInput string
	lastAIReply   string
}

func NewSession(mode LanguageMode) *Session {
	return &Session{
		mode:    mode,
		context: map[string]interface{}{},
	}
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Session) Mode() LanguageMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// AppendUser records a user turn.
func (s *Session) AppendUser(content, audioRef string) ChatMessage {
	return s.append(RoleUser, content, audioRef)
}

// AppendAI records an AI turn.
func (s *Session) AppendAI(content, audioRef string) ChatMessage {
	return s.append(RoleAI, content, audioRef)
}

func (s *Session) append(role Role, content, audioRef string) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		AudioRef:  audioRef,
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	switch role {
	case RoleUser:
		s.lastUserInput = content
	case RoleAI:
		s.lastAIReply = content
	}
	s.mu.Unlock()
	return msg
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// MergeContext shallow-merges a server response's context field; later
// keys overwrite earlier ones of the same name. Never reset mid-session.
func (s *Session) MergeContext(ctx map[string]interface{}) {
	if len(ctx) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range ctx {
		s.context[k] = v
	}
}

// ContextCopy returns a copy of the accumulated context map.
func (s *Session) ContextCopy() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.context))
	for k, v := range s.context {
		out[k] = v
	}
	return out
}

func (s *Session) LastUserInput() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUserInput
}

// SetLastUserInput records the server's echo of what the user said
// (you_said_audio) without appending a transcript entry.
func (s *Session) SetLastUserInput(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUserInput = text
}

func (s *Session) LastAIResponse() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAIReply
}

// Reset clears everything for a user-initiated fresh start. This is the
// only way the context map or the counters' owners are cleared.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.messages = nil
	s.context = map[string]interface{}{}
	s.lastUserInput = ""
	s.lastAIReply = ""
}
