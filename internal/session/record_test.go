package session

import (
	"testing"

	"github.com/MrWong99/vocalprobe/internal/scoring"
)

func TestRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := &Record{
		ID: "s1",
		QuestionLogs: []QuestionLog{{
			QuestionText: "Q",
			AnswerAudio:  []byte{1, 2},
			AnalysisResult: scoring.Result{
				IsDeceptive:    true,
				EmotionalState: scoring.EmotionalState{scoring.Agitation: 0.5},
			},
		}},
		EventLog: []EventLogItem{{EventType: LogSystem}},
	}
	c := orig.Clone()
	c.QuestionLogs[0].AnswerAudio[0] = 9
	c.QuestionLogs[0].AnalysisResult.EmotionalState[scoring.Agitation] = 1
	c.EventLog[0].Details = "changed"

	if orig.QuestionLogs[0].AnswerAudio[0] != 1 {
		t.Error("audio shared with clone")
	}
	if orig.QuestionLogs[0].AnalysisResult.EmotionalState[scoring.Agitation] != 0.5 {
		t.Error("emotional state shared with clone")
	}
	if orig.EventLog[0].Details != "" {
		t.Error("event log shared with clone")
	}
	if orig.KeyStressEvents() != 1 {
		t.Errorf("KeyStressEvents = %d, want 1", orig.KeyStressEvents())
	}
	if (*Record)(nil).Clone() != nil {
		t.Error("Clone of nil is not nil")
	}
}
