package conversation

import (
	"errors"
	"testing"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
)

func effectTypes(fx []Effect) []EffectType {
	out := make([]EffectType, len(fx))
	for i, f := range fx {
		out[i] = f.Type
	}
	return out
}

func hasEffect(fx []Effect, t EffectType) bool {
	for _, f := range fx {
		if f.Type == t {
			return true
		}
	}
	return false
}

func waitingSnapshot() Snapshot {
	s := NewSnapshot(ModeEnglish, false)
	s.State = StateWaiting
	s.Connected = true
	return s
}

func TestTransportOpenMovesToWaiting(t *testing.T) {
	s := NewSnapshot(ModeEnglish, false)
	next, fx := Reduce(s, Event{Type: EvTransportOpen})
	if next.State != StateWaiting {
		t.Errorf("Expected WAITING, got %s", next.State)
	}
	if !next.Connected {
		t.Error("Expected connected snapshot")
	}
	if len(fx) != 0 {
		t.Errorf("Expected no effects, got %v", effectTypes(fx))
	}
}

func TestTransportOpenWithInitialPromptGoesProcessing(t *testing.T) {
	s := NewSnapshot(ModeEnglish, true)
	next, fx := Reduce(s, Event{Type: EvTransportOpen})
	if next.State != StateProcessing {
		t.Errorf("Expected PROCESSING, got %s", next.State)
	}
	if !hasEffect(fx, FxSendInitialPrompt) {
		t.Errorf("Expected initial prompt send, got %v", effectTypes(fx))
	}
}

func TestMicPressStartsCapture(t *testing.T) {
	s := waitingSnapshot()
	next, fx := Reduce(s, Event{Type: EvMicPressed, Connected: true, AudioIdle: true})
	if next.State != StateListening {
		t.Errorf("Expected LISTENING, got %s", next.State)
	}
	if len(fx) != 1 || fx[0].Type != FxStartCapture {
		t.Fatalf("Expected one start-capture effect, got %v", effectTypes(fx))
	}
	if !fx[0].FirstTurn {
		t.Error("Expected first-turn capture before any completed turn")
	}
}

func TestMicPressAfterFirstTurnIsNotFirstTurn(t *testing.T) {
	s := waitingSnapshot()
	s.FirstTurnDone = true
	_, fx := Reduce(s, Event{Type: EvMicPressed, Connected: true, AudioIdle: true})
	if len(fx) != 1 || fx[0].FirstTurn {
		t.Errorf("Expected non-first-turn capture, got %+v", fx)
	}
}

func TestMicPressIgnoredWhilePlaying(t *testing.T) {
	s := waitingSnapshot()
	next, fx := Reduce(s, Event{Type: EvMicPressed, Connected: true, AudioIdle: false})
	if next.State != StateWaiting {
		t.Errorf("Expected state unchanged, got %s", next.State)
	}
	if hasEffect(fx, FxStartCapture) {
		t.Error("Capture must not start while audio is playing")
	}
}

func TestMicPressIgnoredOutsideWaiting(t *testing.T) {
	for _, state := range []State{StateProcessing, StateSpeaking, StateListening, StateError} {
		s := waitingSnapshot()
		s.State = state
		next, fx := Reduce(s, Event{Type: EvMicPressed, Connected: true, AudioIdle: true})
		if next.State != state {
			t.Errorf("%s: state changed to %s", state, next.State)
		}
		if hasEffect(fx, FxStartCapture) {
			t.Errorf("%s: capture started", state)
		}
	}
}

func TestCaptureStoppedSendsRecording(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateListening
	rec := &audio.Recording{PCM: []byte{1, 2}, SampleRate: 44100}
	next, fx := Reduce(s, Event{Type: EvCaptureStopped, Recording: rec})
	if next.State != StateProcessing {
		t.Errorf("Expected PROCESSING, got %s", next.State)
	}
	if !next.FirstTurnDone {
		t.Error("Expected first turn marked done")
	}
	if len(fx) != 1 || fx[0].Type != FxSendRecording || fx[0].Recording != rec {
		t.Fatalf("Expected send-recording effect, got %v", effectTypes(fx))
	}
}

func TestCaptureFailureStaysOutOfErrorState(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateListening
	next, fx := Reduce(s, Event{Type: EvCaptureFailed, Err: errors.New("mic busy")})
	if next.State != StateWaiting {
		t.Errorf("Expected WAITING, got %s", next.State)
	}
	if !hasEffect(fx, FxSurfaceError) {
		t.Errorf("Expected surfaced error, got %v", effectTypes(fx))
	}
	for _, f := range fx {
		if f.Type == FxSurfaceError && f.Err.Code != CodeCapture {
			t.Errorf("Expected capture error code, got %s", f.Err.Code)
		}
	}
}

func TestConversationResponseEntersSpeaking(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	s.FirstTurnDone = true
	msg := &ServerMessage{Step: StepConversationResponse, Response: "hello there", SessionID: "sess-1"}
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StateSpeaking {
		t.Errorf("Expected SPEAKING, got %s", next.State)
	}
	if next.SessionID != "sess-1" {
		t.Errorf("Expected session id captured, got %q", next.SessionID)
	}
	if !hasEffect(fx, FxAppendAI) || !hasEffect(fx, FxSpeakText) {
		t.Errorf("Expected append + speak, got %v", effectTypes(fx))
	}
}

func TestVeryFirstResponseStillEntersSpeaking(t *testing.T) {
	// No configured opening prompt: even the session's first response
	// goes straight to SPEAKING.
	s := NewSnapshot(ModeEnglish, false)
	s.State = StateProcessing
	s.Connected = true
	msg := &ServerMessage{Step: StepConversationResponse, Response: "welcome"}
	next, _ := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StateSpeaking {
		t.Errorf("Expected SPEAKING, got %s", next.State)
	}
}

func TestInitialPromptReplyPlaysAsIntro(t *testing.T) {
	s := NewSnapshot(ModeEnglish, true)
	s.State = StateProcessing
	s.Connected = true
	msg := &ServerMessage{Step: StepConversationResponse, Response: "welcome back"}
	next, _ := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StatePlayingIntro {
		t.Errorf("Expected PLAYING_INTRO for the opening-prompt reply, got %s", next.State)
	}
	if !next.FirstResponseSeen {
		t.Error("Expected first response marked seen")
	}

	// Only the opening reply is an intro; the next response speaks.
	next.State = StateProcessing
	after, _ := Reduce(next, Event{Type: EvServerStep, Msg: msg})
	if after.State != StateSpeaking {
		t.Errorf("Expected SPEAKING for later responses, got %s", after.State)
	}
}

func TestLaterResponsesEnterSpeaking(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	s.FirstResponseSeen = true
	msg := &ServerMessage{Step: StepConversationResponse, Response: "next line"}
	next, _ := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StateSpeaking {
		t.Errorf("Expected SPEAKING, got %s", next.State)
	}
}

func TestAwaitNextMarksFirstResponseSeen(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	msg := &ServerMessage{Step: StepAwaitNext, Message: "your turn"}
	next, _ := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StatePlayingAwaitNext {
		t.Errorf("Expected PLAYING_AWAIT_NEXT, got %s", next.State)
	}
	if !next.FirstResponseSeen {
		t.Error("Expected first response marked seen")
	}
}

func TestRetryStepIncrementsCounter(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	msg := &ServerMessage{Step: StepRetry, Message: "try again"}
	next, _ := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StatePlayingRetry {
		t.Errorf("Expected PLAYING_RETRY, got %s", next.State)
	}
	if next.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", next.RetryCount)
	}
}

func TestYouSaidCapturesUserInput(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	msg := &ServerMessage{Step: StepYouSaidAudio, Message: "You said: hi", UserInput: "hi"}
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StatePlayingYouSaid {
		t.Errorf("Expected PLAYING_YOU_SAID, got %s", next.State)
	}
	found := false
	for _, f := range fx {
		if f.Type == FxSetLastUserInput && f.Text == "hi" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected last-user-input effect, got %v", effectTypes(fx))
	}
}

func TestWordByWordSpeaksWordList(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	msg := &ServerMessage{Step: StepWordByWord, Words: []string{"good", "morning", "friend"}}
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StateWordByWord {
		t.Errorf("Expected WORD_BY_WORD, got %s", next.State)
	}
	if len(next.CurrentWords) != 3 || next.WordIndex != 0 {
		t.Errorf("Expected word cursor at start of 3 words, got %v @ %d", next.CurrentWords, next.WordIndex)
	}
	if !hasEffect(fx, FxSpeakWords) {
		t.Errorf("Expected speak-words effect, got %v", effectTypes(fx))
	}
}

func TestWordByWordWithEmptyListDegeneratesToDelay(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	msg := &ServerMessage{Step: StepWordByWord}
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StateWordByWord {
		t.Errorf("Expected WORD_BY_WORD, got %s", next.State)
	}
	if hasEffect(fx, FxSpeakWords) {
		t.Error("Nothing should be spoken for an empty list")
	}
	if !hasEffect(fx, FxSchedulePostSpeech) {
		t.Errorf("Expected immediate post-speech delay, got %v", effectTypes(fx))
	}
}

func TestWordGroupSpokenAdvancesCursor(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateWordByWord
	s.CurrentWords = []string{"a", "b", "c"}
	next, _ := Reduce(s, Event{Type: EvWordGroupSpoken, WordIndex: 2})
	if next.WordIndex != 2 {
		t.Errorf("Expected word index 2, got %d", next.WordIndex)
	}
}

func TestServerErrorStepEntersErrorWithRetryHint(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	msg := &ServerMessage{Step: StepError, Message: "rate limited", RetryAfter: 12}
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StateError {
		t.Errorf("Expected ERROR, got %s", next.State)
	}
	if next.LastError == nil || next.LastError.RetryAfter != 12 {
		t.Fatalf("Expected retry-after hint preserved, got %+v", next.LastError)
	}
	if next.LastError.Code != CodeServer {
		t.Errorf("Expected server error code, got %s", next.LastError.Code)
	}
	if !hasEffect(fx, FxStopAudio) || !hasEffect(fx, FxCancelTimers) {
		t.Errorf("Expected audio and timers cleared, got %v", effectTypes(fx))
	}
}

func TestUnknownStepWarnsOnceWithoutTransition(t *testing.T) {
	s := waitingSnapshot()
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: &ServerMessage{Step: "mystery_step"}})
	if next.State != StateWaiting {
		t.Errorf("Expected state unchanged, got %s", next.State)
	}
	warns := 0
	for _, f := range fx {
		if f.Type == FxWarn {
			warns++
		}
	}
	if warns != 1 {
		t.Errorf("Expected exactly one warning, got %d", warns)
	}
}

func TestBinaryAudioForcesSpeakingFromAnyState(t *testing.T) {
	for _, state := range []State{StateWaiting, StateProcessing, StateWordByWord, StateListening} {
		s := waitingSnapshot()
		s.State = state
		next, fx := Reduce(s, Event{Type: EvServerAudio, Audio: []byte{1, 2, 3}})
		if next.State != StateSpeaking {
			t.Errorf("%s: expected SPEAKING, got %s", state, next.State)
		}
		if !hasEffect(fx, FxPlayClip) {
			t.Errorf("%s: expected play-clip effect", state)
		}
	}
}

func TestBinaryAudioWhileListeningReleasesCapture(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateListening
	next, fx := Reduce(s, Event{Type: EvServerAudio, Audio: []byte{1, 2}})
	if next.State != StateSpeaking {
		t.Fatalf("Expected SPEAKING, got %s", next.State)
	}
	if !hasEffect(fx, FxReleaseCapture) {
		t.Errorf("Clip preempting a recording must release the mic, got %v", effectTypes(fx))
	}
}

func TestStepWhileListeningReleasesCapture(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateListening
	msg := &ServerMessage{Step: StepAwaitNext, Message: "moving on"}
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StatePlayingAwaitNext {
		t.Fatalf("Expected PLAYING_AWAIT_NEXT, got %s", next.State)
	}
	if !hasEffect(fx, FxReleaseCapture) {
		t.Errorf("Step preempting a recording must release the mic, got %v", effectTypes(fx))
	}
}

func TestUnknownStepWhileListeningKeepsRecording(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateListening
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: &ServerMessage{Step: "mystery_step"}})
	if next.State != StateListening {
		t.Errorf("Expected state unchanged, got %s", next.State)
	}
	if hasEffect(fx, FxReleaseCapture) {
		t.Error("An ignored step must not tear down the recording")
	}
}

func TestPlaybackDoneSchedulesPostSpeechDelay(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateSpeaking
	s.PendingAudioID = "response"
	next, fx := Reduce(s, Event{Type: EvPlaybackDone, ClipID: "response"})
	if next.PendingAudioID != "" {
		t.Error("Expected pending audio cleared")
	}
	if next.State != StateSpeaking {
		t.Errorf("Expected to stay in SPEAKING until delay elapses, got %s", next.State)
	}
	if !hasEffect(fx, FxSchedulePostSpeech) {
		t.Errorf("Expected post-speech delay, got %v", effectTypes(fx))
	}
}

func TestPlaybackErrorStillCountsAsCompletion(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateSpeaking
	s.PendingAudioID = "response"
	_, fx := Reduce(s, Event{Type: EvPlaybackDone, ClipID: "response", Err: errors.New("decode failed")})
	if !hasEffect(fx, FxSchedulePostSpeech) {
		t.Errorf("Playback failure must still sequence forward, got %v", effectTypes(fx))
	}
}

func TestPostSpeechElapsedReturnsToWaiting(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateWordByWord
	s.CurrentWords = []string{"a"}
	next, _ := Reduce(s, Event{Type: EvPostSpeechElapsed})
	if next.State != StateWaiting {
		t.Errorf("Expected WAITING, got %s", next.State)
	}
	if next.CurrentWords != nil || next.WordIndex != 0 {
		t.Error("Expected word cursor cleared")
	}
}

func TestPostSpeechElapsedIgnoredOutsideAudioStates(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	next, _ := Reduce(s, Event{Type: EvPostSpeechElapsed})
	if next.State != StateProcessing {
		t.Errorf("Expected state unchanged, got %s", next.State)
	}
}

func TestDisconnectStopsEverything(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateSpeaking
	s.PendingAudioID = "response"
	next, fx := Reduce(s, Event{Type: EvTransportClosed, Err: errors.New("gone")})
	if next.State != StateDisconnected {
		t.Errorf("Expected DISCONNECTED, got %s", next.State)
	}
	if next.Connected {
		t.Error("Expected disconnected snapshot")
	}
	if !hasEffect(fx, FxStopAudio) || !hasEffect(fx, FxReleaseCapture) || !hasEffect(fx, FxCancelTimers) {
		t.Errorf("Expected full teardown, got %v", effectTypes(fx))
	}
}

func TestRetryFromErrorWhileConnected(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateError
	s.LastError = &ConversationError{Code: CodeServer}
	next, fx := Reduce(s, Event{Type: EvRetryPressed, Connected: true})
	if next.State != StateWaiting {
		t.Errorf("Expected WAITING, got %s", next.State)
	}
	if next.ErrorRecoveryAttempts != 1 {
		t.Errorf("Expected recovery attempt counted, got %d", next.ErrorRecoveryAttempts)
	}
	if next.LastError != nil {
		t.Error("Expected last error cleared")
	}
	if len(fx) != 0 {
		t.Errorf("Expected no effects, got %v", effectTypes(fx))
	}
}

func TestRetryFromDisconnectedReconnects(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateDisconnected
	s.Connected = false
	next, fx := Reduce(s, Event{Type: EvRetryPressed, Connected: false})
	if next.State != StateConnecting {
		t.Errorf("Expected CONNECTING, got %s", next.State)
	}
	if next.ReconnectAttempts != 1 {
		t.Errorf("Expected reconnect counted, got %d", next.ReconnectAttempts)
	}
	if !hasEffect(fx, FxReconnect) {
		t.Errorf("Expected reconnect effect, got %v", effectTypes(fx))
	}
}

func TestReopenAfterDisconnectClearsReconnectCounter(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateConnecting
	s.Connected = false
	s.ReconnectAttempts = 2
	next, _ := Reduce(s, Event{Type: EvTransportOpen})
	if next.State != StateWaiting {
		t.Errorf("Expected WAITING, got %s", next.State)
	}
	if next.ReconnectAttempts != 0 {
		t.Errorf("Expected reconnect attempts reset, got %d", next.ReconnectAttempts)
	}
}

func TestCountersSurviveAcrossTurns(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	s.FirstResponseSeen = true

	s, _ = Reduce(s, Event{Type: EvServerStep, Msg: &ServerMessage{Step: StepRetry, Message: "again"}})
	s, _ = Reduce(s, Event{Type: EvPlaybackDone, ClipID: "retry"})
	s, _ = Reduce(s, Event{Type: EvPostSpeechElapsed})
	s, _ = Reduce(s, Event{Type: EvMicPressed, Connected: true, AudioIdle: true})
	s, _ = Reduce(s, Event{Type: EvCaptureStopped, Recording: &audio.Recording{PCM: []byte{0}}})
	s, _ = Reduce(s, Event{Type: EvServerStep, Msg: &ServerMessage{Step: StepRetry, Message: "once more"}})

	if s.RetryCount != 2 {
		t.Errorf("Expected retry count to accumulate to 2, got %d", s.RetryCount)
	}
}

func TestResetClearsCountersAndSession(t *testing.T) {
	s := waitingSnapshot()
	s.RetryCount = 3
	s.ErrorRecoveryAttempts = 2
	s.SessionID = "sess"
	next, fx := Reduce(s, Event{Type: EvReset, Connected: true})
	if next.State != StateWaiting {
		t.Errorf("Expected WAITING after reset, got %s", next.State)
	}
	if next.RetryCount != 0 || next.ErrorRecoveryAttempts != 0 || next.SessionID != "" {
		t.Errorf("Expected clean snapshot, got %+v", next)
	}
	if !hasEffect(fx, FxResetSession) {
		t.Errorf("Expected session reset effect, got %v", effectTypes(fx))
	}
}

func TestEnglishInputStepSpeaksGuidance(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	s.LanguageMode = ModeUrdu
	msg := &ServerMessage{Step: StepEnglishInput, Message: "Urdu please"}
	next, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if next.State != StateEnglishInput {
		t.Errorf("Expected ENGLISH_INPUT_EDGE_CASE, got %s", next.State)
	}
	if !hasEffect(fx, FxSpeakText) {
		t.Errorf("Expected guidance spoken, got %v", effectTypes(fx))
	}
}

func TestContextMergedFromEveryStep(t *testing.T) {
	s := waitingSnapshot()
	s.State = StateProcessing
	msg := &ServerMessage{
		Step:    StepFeedback,
		Message: "good",
		Context: map[string]interface{}{"phase": "warmup"},
	}
	_, fx := Reduce(s, Event{Type: EvServerStep, Msg: msg})
	if !hasEffect(fx, FxMergeContext) {
		t.Errorf("Expected context merge, got %v", effectTypes(fx))
	}
}

func TestControlsFollowState(t *testing.T) {
	cases := []struct {
		state State
		want  Controls
	}{
		{StateWaiting, Controls{Mic: true}},
		{StateListening, Controls{Stop: true}},
		{StateError, Controls{Retry: true}},
		{StateDisconnected, Controls{Retry: true}},
		{StateProcessing, Controls{}},
		{StateSpeaking, Controls{}},
		{StateWordByWord, Controls{}},
	}
	for _, c := range cases {
		if got := ControlsFor(c.state); got != c.want {
			t.Errorf("%s: expected %+v, got %+v", c.state, c.want, got)
		}
	}
}
