// tutorstub is a local stand-in for the tutor backend. It accepts one
// websocket conversation at a time and walks a scripted lesson so the
// agent can be exercised end to end without the real service.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inboundMessage struct {
	Type        string `json:"type,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

type outboundStep struct {
	Step      string                 `json:"step"`
	SessionID string                 `json:"session_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Response  string                 `json:"response,omitempty"`
	UserInput string                 `json:"user_input,omitempty"`
	Words     []string               `json:"words,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// tonePCM generates a short sine at the given frequency, 16-bit mono.
func tonePCM(freq float64, ms int, sampleRate int) []byte {
	samples := sampleRate * ms / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

type lessonScript struct {
	sessionID string
	turn      int
}

// respond plays one scripted turn for an uploaded recording.
func (l *lessonScript) respond(conn *websocket.Conn, in inboundMessage) error {
	l.turn++

	if in.AudioBase64 != "" {
		if _, err := base64.StdEncoding.DecodeString(in.AudioBase64); err != nil {
			return conn.WriteJSON(outboundStep{
				Step:    "error",
				Message: "could not decode your recording, please try again",
			})
		}
	}

	send := func(s outboundStep) error {
		s.SessionID = l.sessionID
		return conn.WriteJSON(s)
	}

	switch l.turn {
	case 1:
		if err := send(outboundStep{
			Step:      "you_said_audio",
			Message:   "You said: hello teacher",
			UserInput: "hello teacher",
			Context:   map[string]interface{}{"lesson_phase": "greeting"},
		}); err != nil {
			return err
		}
		return send(outboundStep{
			Step:     "conversation_response",
			Response: "Hello! Today we will practice greetings. Repeat after me.",
		})
	case 2:
		if err := send(outboundStep{
			Step:    "word_by_word",
			Message: "Listen carefully",
			Words:   []string{"good", "morning", "how", "are", "you"},
		}); err != nil {
			return err
		}
		return send(outboundStep{Step: "await_next", Message: "Now you try."})
	case 3:
		if err := send(outboundStep{
			Step:    "feedback_step",
			Message: "Well done, your pronunciation is improving.",
			Context: map[string]interface{}{"score": 82},
		}); err != nil {
			return err
		}
		// A raw clip on the binary side channel.
		return conn.WriteMessage(websocket.BinaryMessage, tonePCM(440, 400, 44100))
	default:
		return send(outboundStep{
			Step:    "retry",
			Message: "Let us try that once more.",
		})
	}
}

func handleConversation(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	script := &lessonScript{sessionID: uuid.NewString()}
	log.Printf("conversation started: %s", script.sessionID)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			log.Printf("conversation ended: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var in inboundMessage
		if err := json.Unmarshal(payload, &in); err != nil {
			log.Printf("dropping undecodable frame: %v", err)
			continue
		}

		switch {
		case in.Type == "initial_prompt":
			if err := conn.WriteJSON(outboundStep{
				Step:      "conversation_response",
				SessionID: script.sessionID,
				Response:  "Welcome back. Press the microphone when you are ready.",
			}); err != nil {
				return
			}
		case in.AudioBase64 != "" || in.Filename != "":
			log.Printf("recording received: %s (%d b64 chars)", in.Filename, len(in.AudioBase64))
			if err := script.respond(conn, in); err != nil {
				log.Printf("write failed: %v", err)
				return
			}
		}
	}
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	flag.Parse()

	http.HandleFunc("/api/ws/conversation", handleConversation)
	fmt.Printf("tutorstub listening on %s\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
