package session

import (
	"bytes"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/scoring"
)

// Event log types.
const (
	LogSessionStart    = "Session Start"
	LogCalibration     = "Calibration"
	LogQuestion        = "Question"
	LogVoiceID         = "Voice ID"
	LogSubjectAnswer   = "Subject Answer"
	LogMicroExpression = "Micro-expression"
	LogSessionEnd      = "Session End"
	LogSystem          = "System"
)

// Record is the persisted state of one session. JSON keys follow the
// session archive (.vsa) format.
type Record struct {
	ID                   string             `json:"Id"`
	SessionDate          time.Time          `json:"SessionDate"`
	QuestionerSignature  analysis.Signature `json:"QuestionerSignature"`
	SubjectSignature     analysis.Signature `json:"SubjectSignature"`
	QuestionLogs         []QuestionLog      `json:"QuestionLogs"`
	EventLog             []EventLogItem     `json:"EventLog"`
	FinalResult          Verdict            `json:"FinalResult"`
	ResultSummary        string             `json:"ResultSummary"`
	MicroExpressionCount int                `json:"MicroExpressionCount"`
	AverageStress        float64            `json:"AverageStress"`
}

// QuestionLog is one answered question. The answer audio is serialised as
// base64.
type QuestionLog struct {
	QuestionText   string         `json:"QuestionText"`
	AnswerAudio    []byte         `json:"AnswerAudio"`
	AnalysisResult scoring.Result `json:"AnalysisResult"`
}

// EventLogItem is one entry of the session event log.
type EventLogItem struct {
	Timestamp time.Time `json:"Timestamp"`
	EventType string    `json:"EventType"`
	Details   string    `json:"Details"`
	ColorHtml string    `json:"ColorHtml"`

	// AnswerRef is the 1-based index of the QuestionLog a Subject Answer
	// entry refers to. It only lives in memory.
	AnswerRef int `json:"-"`
}

// Clone returns a deep copy of r. Clone of a nil record is nil.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.QuestionLogs != nil {
		c.QuestionLogs = make([]QuestionLog, len(r.QuestionLogs))
		for i, ql := range r.QuestionLogs {
			c.QuestionLogs[i] = ql.clone()
		}
	}
	c.EventLog = slices.Clone(r.EventLog)
	return &c
}

func (q QuestionLog) clone() QuestionLog {
	q.AnswerAudio = bytes.Clone(q.AnswerAudio)
	q.AnalysisResult.EmotionalState = maps.Clone(q.AnalysisResult.EmotionalState)
	return q
}

// KeyStressEvents returns the number of answers flagged as deceptive.
func (r *Record) KeyStressEvents() int {
	n := 0
	for _, ql := range r.QuestionLogs {
		if ql.AnalysisResult.IsDeceptive {
			n++
		}
	}
	return n
}
