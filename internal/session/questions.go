package session

import (
	"time"

	"github.com/MrWong99/vocalprobe/internal/scoring"
)

// DefaultQuestions returns the interrogation script for a session started
// at now. The weekday question is answered truthfully with "yes".
func DefaultQuestions(now time.Time) []scoring.Question {
	return []scoring.Question{
		{Text: "Is your name recorded as John Smith?", Expected: scoring.ExpectYes},
		{Text: "Is today " + now.Weekday().String() + "?", Expected: scoring.ExpectYes},
		{Text: "Have you ever told a lie?", Key: true, Expected: scoring.ExpectYes},
		{Text: "Regarding the missing file, were you involved?", Key: true, Expected: scoring.ExpectNo},
		{Text: "Are you in Wilton, Maine?", Expected: scoring.ExpectYes},
		{Text: "Did you access the file without authorization?", Key: true, Expected: scoring.ExpectNo},
		{Text: "Have you answered all questions truthfully?", Key: true, Expected: scoring.ExpectYes},
	}
}

// countKey returns the number of key questions in qs.
func countKey(qs []scoring.Question) int {
	n := 0
	for _, q := range qs {
		if q.Key {
			n++
		}
	}
	return n
}
