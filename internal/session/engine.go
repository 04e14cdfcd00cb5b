package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/baseline"
	"github.com/MrWong99/vocalprobe/internal/calibration"
	"github.com/MrWong99/vocalprobe/internal/observe"
	"github.com/MrWong99/vocalprobe/internal/scoring"
	"github.com/MrWong99/vocalprobe/internal/speaker"
)

// Status messages shown while the session advances.
const (
	MsgCalibrateQuestioner = "QUESTIONER, please state your name and role for voice calibration."
	MsgCalibrateSubject    = "SUBJECT, please state your name for voice calibration."
	MsgCalibrationDone     = "Calibration complete. Ready for questioning."
	MsgAllCalibrated       = "All calibrations complete."
	MsgSessionStart        = "New session initiated."
	MsgArchiveSaved        = "Session archive saved."
)

// Job kinds, used as metric and log labels.
const (
	kindCalibration = "calibration"
	kindIdentify    = "identify"
	kindAnswer      = "answer"
	kindLive        = "live"
)

// Config configures an [Engine]. Zero values select the defaults.
type Config struct {
	// Analyzer extracts features from PCM. Default: 16 kHz analyzer.
	Analyzer *analysis.Analyzer

	// Pipeline runs the Enqueue* variants. When nil they run inline.
	Pipeline *Pipeline

	// Metrics receives engine instruments. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// StressThreshold is the stress factor above which key answers are
	// deceptive. Default: [scoring.DefaultStressThreshold].
	StressThreshold float64

	// Rand drives hesitation and history jitter. Default: math/rand/v2.
	Rand scoring.Rand

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	// NewID generates session ids. Default: uuid.NewString.
	NewID func() string

	// Questions builds the script of a session started at the given time.
	// Default: [DefaultQuestions].
	Questions func(time.Time) []scoring.Question

	// CalibrationSamples is the number of buffers per speaker. Default:
	// [calibration.TargetSamples].
	CalibrationSamples int

	// BaselineWindow is the size of the adaptive baseline. Default:
	// [baseline.DefaultWindow].
	BaselineWindow int

	// HistoryPoints is the length of each history chart. Default:
	// [HistoryPoints].
	HistoryPoints int
}

// Outcome is the result of [Engine.End].
type Outcome struct {
	Verdict          Verdict `json:"verdict"`
	Summary          string  `json:"summary"`
	StressEvents     int     `json:"stress_events"`
	KeyQuestions     int     `json:"key_questions"`
	MicroExpressions int     `json:"micro_expressions"`
	AverageStress    float64 `json:"average_stress"`
}

// Snapshot is a consistent copy of the engine state.
type Snapshot struct {
	SessionID        string                 `json:"session_id,omitempty"`
	State            State                  `json:"state"`
	Reviewing        bool                   `json:"reviewing"`
	QuestionIndex    int                    `json:"question_index"`
	Question         string                 `json:"question,omitempty"`
	QuestionCount    int                    `json:"question_count"`
	Finished         bool                   `json:"questions_finished"`
	Calibrated       int                    `json:"calibration_samples"`
	Spikes           int                    `json:"stress_events"`
	MicroExpressions int                    `json:"micro_expressions"`
	PeakStress       float32                `json:"peak_stress"`
	StressThreshold  float64                `json:"stress_threshold"`
	Baseline         analysis.Signature     `json:"baseline"`
	Identification   speaker.Identification `json:"identification"`
	Live             LiveData               `json:"live"`
	History          HistorySnapshot        `json:"history"`
	Record           *Record                `json:"record,omitempty"`
}

// ticket pins a unit of work to the session generation and phase it was
// accepted in.
type ticket struct {
	gen      uint64
	state    State
	question int
	kind     string
}

// Engine is the session state machine. All methods are safe for concurrent
// use; analysis runs outside the engine lock.
type Engine struct {
	analyzer     *analysis.Analyzer
	pipeline     *Pipeline
	metrics      *observe.Metrics
	rng          scoring.Rand
	scorer       *scoring.Scorer
	now          func() time.Time
	newID        func() string
	questionsFor func(time.Time) []scoring.Question

	observers observerSet

	// inflight counts accepted buffers not yet applied; scoring counts the
	// answer buffers among them.
	inflight waitCounter
	scoring  waitCounter

	// dispatchMu orders event delivery. It is taken before mu is released.
	dispatchMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	intake    bool
	reviewing bool
	record    *Record
	questions []scoring.Question
	index     int
	answered  []bool
	acc       *calibration.Accumulator
	baseline  *baseline.Tracker
	spikes    int
	micro     int
	peak      float32
	threshold float64
	ident     speaker.Identification
	live      LiveData
	history   *History
}

// NewEngine returns an idle engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Analyzer == nil {
		cfg.Analyzer = analysis.NewAnalyzer(analysis.DefaultSampleRate)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.StressThreshold <= 0 {
		cfg.StressThreshold = scoring.DefaultStressThreshold
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Questions == nil {
		cfg.Questions = DefaultQuestions
	}
	return &Engine{
		analyzer:     cfg.Analyzer,
		pipeline:     cfg.Pipeline,
		metrics:      cfg.Metrics,
		rng:          cfg.Rand,
		scorer:       scoring.NewScorer(cfg.Rand),
		now:          cfg.Now,
		newID:        cfg.NewID,
		questionsFor: cfg.Questions,
		index:        -1,
		acc:          calibration.NewAccumulator(cfg.CalibrationSamples),
		baseline:     baseline.NewTracker(cfg.BaselineWindow),
		threshold:    cfg.StressThreshold,
		history:      NewHistory(cfg.HistoryPoints),
	}
}

// Subscribe registers o and returns a function that removes it. Events are
// delivered in the order they were produced.
func (e *Engine) Subscribe(o Observer) (unsubscribe func()) { return e.observers.add(o) }

// ── Lifecycle ──────────────────────────────────────────────────────────────

// Start discards any current session and begins a new one in
// [CalibratingQuestioner]. It returns the new session id.
func (e *Engine) Start() string {
	e.mu.Lock()
	wasActive := e.state.Active()
	e.resetLocked()
	e.gen++
	e.intake = true

	now := e.now()
	e.questions = e.questionsFor(now)
	e.answered = make([]bool, len(e.questions))
	e.record = &Record{
		ID:          e.newID(),
		SessionDate: now.Round(0).UTC(),
	}
	e.state = CalibratingQuestioner
	id := e.record.ID

	evs := []Event{
		e.logLocked(LogSessionStart, MsgSessionStart, ColorWhite, 0),
		e.stateChangeLocked(MsgCalibrateQuestioner, ColorOrange),
		e.logLocked(LogCalibration, calibrationLabel(MsgCalibrateQuestioner), ColorOrange, 0),
	}
	e.unlockAndDispatch(evs)

	ctx := context.Background()
	if !wasActive {
		e.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session started", "session_id", id, "questions", len(e.questions))
	return id
}

// End stops accepting audio, waits for every accepted buffer to be applied
// and computes the verdict. Calling End on a finished session returns the
// stored outcome. It returns [ErrNoSession] when no session exists and
// ctx.Err() if ctx ends while waiting; intake is then resumed.
func (e *Engine) End(ctx context.Context) (Outcome, error) {
	e.mu.Lock()
	if e.record == nil {
		e.mu.Unlock()
		return Outcome{}, ErrNoSession
	}
	if e.state == Finished {
		o := e.storedOutcomeLocked()
		e.mu.Unlock()
		return o, nil
	}
	e.intake = false
	gen := e.gen
	e.mu.Unlock()

	if err := e.inflight.wait(ctx); err != nil {
		e.mu.Lock()
		if e.gen == gen && e.state != Finished {
			e.intake = true
		}
		e.mu.Unlock()
		return Outcome{}, err
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return Outcome{}, ErrNoSession
	}
	if e.state == Finished {
		o := e.storedOutcomeLocked()
		e.mu.Unlock()
		return o, nil
	}

	keyQ := countKey(e.questions)
	var sum float64
	for _, ql := range e.record.QuestionLogs {
		sum += float64(ql.AnalysisResult.StressLevel)
	}
	avg := 0.0
	if n := len(e.record.QuestionLogs); n > 0 {
		avg = sum / float64(n)
	}
	o := Outcome{
		Verdict:          Classify(e.spikes, e.micro, keyQ),
		StressEvents:     e.spikes,
		KeyQuestions:     keyQ,
		MicroExpressions: e.micro,
		AverageStress:    avg,
	}
	o.Summary = fmt.Sprintf("Analysis complete.\n"+
		"%d stress events across %d key questions.\n"+
		"%d vocal micro-expressions detected.\n"+
		"Average subject stress: %.2f µt.", e.spikes, keyQ, e.micro, avg)

	e.record.FinalResult = o.Verdict
	e.record.ResultSummary = o.Summary
	e.record.AverageStress = avg
	e.record.MicroExpressionCount = e.micro
	e.state = Finished
	id := e.record.ID

	details := "Final Analysis: " + o.Verdict.String()
	evs := []Event{
		e.stateChangeLocked(details, o.Verdict.Color()),
		e.logLocked(LogSessionEnd, details, o.Verdict.Color(), 0),
	}
	e.unlockAndDispatch(evs)

	e.metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("session ended",
		"session_id", id,
		"verdict", o.Verdict.String(),
		"stress_events", o.StressEvents,
		"micro_expressions", o.MicroExpressions,
	)
	return o, nil
}

func (e *Engine) storedOutcomeLocked() Outcome {
	return Outcome{
		Verdict:          e.record.FinalResult,
		Summary:          e.record.ResultSummary,
		StressEvents:     e.record.KeyStressEvents(),
		KeyQuestions:     countKey(e.questions),
		MicroExpressions: e.record.MicroExpressionCount,
		AverageStress:    e.record.AverageStress,
	}
}

// Load replaces any session with rec in review mode. The engine keeps a
// copy; rec is not retained.
func (e *Engine) Load(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("session: load: %w", ErrNoSession)
	}
	e.mu.Lock()
	wasActive := e.state.Active()
	e.resetLocked()
	e.gen++
	e.intake = false
	e.reviewing = true
	e.record = rec.Clone()
	e.questions = e.questionsFor(rec.SessionDate)
	e.state = Finished

	msg := "Reviewing Session from " + rec.SessionDate.Local().Format("1/2/2006 3:04 PM")
	evs := []Event{e.stateChangeLocked(msg, ColorMagenta)}
	e.unlockAndDispatch(evs)

	if wasActive {
		e.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("session loaded for review", "session_id", rec.ID, "answers", len(rec.QuestionLogs))
	return nil
}

// resetLocked clears all per-session state. Must be called with e.mu held.
func (e *Engine) resetLocked() {
	e.index = -1
	e.spikes = 0
	e.micro = 0
	e.peak = 0
	e.reviewing = false
	e.acc.Reset()
	e.baseline.Reset()
	e.history.Reset()
	e.ident = speaker.Identification{}
	e.live = LiveData{}
	e.questions = nil
	e.answered = nil
}

// ── Questions ──────────────────────────────────────────────────────────────

// AskNextQuestion advances to the next question and returns its text. It
// first waits until every accepted answer has been scored. ok is false
// outside [InProgress] or when the script is exhausted.
func (e *Engine) AskNextQuestion(ctx context.Context) (text string, ok bool, err error) {
	for {
		if err := e.scoring.wait(ctx); err != nil {
			return "", false, err
		}
		e.mu.Lock()
		if e.scoring.count() == 0 {
			break
		}
		e.mu.Unlock()
	}

	if e.state != InProgress || e.index >= len(e.questions) {
		e.mu.Unlock()
		return "", false, nil
	}
	e.index++
	e.peak = 0
	if e.index >= len(e.questions) {
		e.mu.Unlock()
		return "", false, nil
	}
	text = e.questions[e.index].Text
	evs := []Event{e.logLocked(LogQuestion, text, ColorGray, 0)}
	e.unlockAndDispatch(evs)
	return text, true, nil
}

// IsFinished reports whether the last question has been asked.
func (e *Engine) IsFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishedLocked()
}

func (e *Engine) finishedLocked() bool {
	return len(e.questions) > 0 && e.index >= len(e.questions)-1
}

// ── Audio ──────────────────────────────────────────────────────────────────

// SubmitCalibration analyses one calibration buffer for the speaker being
// calibrated. ok is false when no calibration phase is running, the buffer
// holds no sample, or the phase ended while the buffer was analysed.
func (e *Engine) SubmitCalibration(pcm []byte) (calibration.Progress, bool) {
	t, ok := e.begin(kindCalibration, pcm)
	if !ok {
		return calibration.Progress{}, false
	}
	defer e.finish(t)
	return e.calibrate(t, pcm)
}

// EnqueueCalibration queues pcm for calibration on the pipeline.
func (e *Engine) EnqueueCalibration(pcm []byte) error {
	return e.enqueue(kindCalibration, pcm, func(t ticket) { e.calibrate(t, pcm) })
}

func (e *Engine) calibrate(t ticket, pcm []byte) (calibration.Progress, bool) {
	sig := e.analyze(kindCalibration, pcm)

	e.mu.Lock()
	if !e.validLocked(t) {
		e.mu.Unlock()
		return calibration.Progress{}, false
	}
	role := speaker.Questioner
	if e.state == CalibratingSubject {
		role = speaker.Subject
	}
	p := e.acc.Add(sig)
	evs := []Event{e.stateChangeLocked(fmt.Sprintf("Calibrating... %d%%", p.Percent), ColorOrange)}

	if p.Done {
		enrolled := p.Signature
		evs = append(evs, Event{Kind: EventCalibrationComplete, Role: role, Signature: &enrolled})
		if role == speaker.Questioner {
			e.record.QuestionerSignature = enrolled
			e.state = CalibratingSubject
			evs = append(evs,
				e.stateChangeLocked(MsgCalibrateSubject, ColorCyan),
				e.logLocked(LogCalibration, calibrationLabel(MsgCalibrateSubject), ColorCyan, 0),
			)
		} else {
			e.record.SubjectSignature = enrolled
			e.baseline.Reset()
			e.baseline.Push(enrolled)
			e.state = InProgress
			evs = append(evs,
				e.stateChangeLocked(MsgCalibrationDone, ColorTruth),
				e.logLocked(LogCalibration, MsgAllCalibrated, ColorTruth, 0),
			)
		}
	}
	id := e.record.ID
	e.unlockAndDispatch(evs)

	e.metrics.RecordCalibrationSample(context.Background(), role.String())
	if p.Done {
		slog.Info("speaker calibrated", "session_id", id, "role", role.String(), "signature", p.Signature.String())
	}
	return p, true
}

// IdentifySpeaker classifies pcm as the questioner or the subject and logs
// the result. It returns an Unknown identification while the questioner is
// not enrolled or pcm is empty.
func (e *Engine) IdentifySpeaker(pcm []byte) speaker.Identification {
	t, ok := e.begin(kindIdentify, pcm)
	if !ok {
		return speaker.Identification{}
	}
	defer e.finish(t)

	e.mu.Lock()
	questioner, subject := e.record.QuestionerSignature, e.record.SubjectSignature
	e.mu.Unlock()
	if !questioner.Enrolled() {
		return speaker.Identification{}
	}

	id := speaker.Identify(e.analyze(kindIdentify, pcm), questioner, subject)

	e.mu.Lock()
	if !e.validLocked(t) {
		e.mu.Unlock()
		return id
	}
	e.ident = id
	evs := []Event{e.logLocked(LogVoiceID, "Speaker identified as "+id.Speaker.String(), ColorCyan, 0)}
	e.unlockAndDispatch(evs)
	return id
}

// ProcessAnswer scores the subject's answer to the current question. At
// most one answer is accepted per question; ok is false outside
// [InProgress], without an active question, before the subject is enrolled
// or when the question was already answered.
func (e *Engine) ProcessAnswer(response string, pcm []byte) (scoring.Result, bool) {
	t, ok := e.begin(kindAnswer, pcm)
	if !ok {
		return scoring.Result{}, false
	}
	defer e.finish(t)
	return e.score(t, response, pcm)
}

// EnqueueAnswer queues the answer to the current question on the pipeline.
// The question is reserved immediately so [Engine.AskNextQuestion] waits
// for it.
func (e *Engine) EnqueueAnswer(response string, pcm []byte) error {
	return e.enqueue(kindAnswer, pcm, func(t ticket) { e.score(t, response, pcm) })
}

func (e *Engine) score(t ticket, response string, pcm []byte) (scoring.Result, bool) {
	sig := e.analyze(kindAnswer, pcm)
	micro, hasMicro := e.analyzer.DetectMicroExpression(pcm)

	e.mu.Lock()
	if !e.validLocked(t) {
		e.mu.Unlock()
		return scoring.Result{}, false
	}
	q := e.questions[t.question]
	base := e.baseline.Current(e.record.SubjectSignature)
	res := e.scorer.Score(q, response, sig, base, e.threshold)

	if res.IsDeceptive {
		e.spikes++
	}
	e.peak = max(e.peak, res.StressLevel)
	if !q.Key {
		e.baseline.Push(sig)
	}
	e.record.QuestionLogs = append(e.record.QuestionLogs, QuestionLog{
		QuestionText:   q.Text,
		AnswerAudio:    bytes.Clone(pcm),
		AnalysisResult: res,
	})

	color := ColorCyan
	if float64(res.StressLevel) > e.threshold*1.5 {
		color = ColorStress
	}
	details := fmt.Sprintf("'%s' | Peak Stress: %.2f", strings.ToUpper(response), res.StressLevel)
	evs := []Event{e.logLocked(LogSubjectAnswer, details, color, len(e.record.QuestionLogs))}
	if hasMicro {
		e.micro++
		evs = append(evs,
			Event{Kind: EventMicroExpression, Message: micro.Description, Color: ColorMagenta},
			e.logLocked(LogMicroExpression, micro.Description, ColorMagenta, 0),
		)
	}
	id := e.record.ID
	e.unlockAndDispatch(evs)

	ctx := context.Background()
	e.metrics.RecordAnswer(ctx, q.Key, res.IsDeceptive)
	if hasMicro {
		e.metrics.MicroExpressions.Add(ctx, 1)
	}
	slog.Debug("answer scored",
		"session_id", id,
		"question", t.question,
		"stress", res.StressLevel,
		"deceptive", res.IsDeceptive,
	)
	return res, true
}

// ProcessLive updates the live stress, spectrum and emotional state from a
// buffer captured while the subject speaks. It is ignored outside
// [InProgress].
func (e *Engine) ProcessLive(pcm []byte) bool {
	t, ok := e.begin(kindLive, pcm)
	if !ok {
		return false
	}
	defer e.finish(t)
	return e.applyLive(t, pcm)
}

// EnqueueLive queues a live buffer on the pipeline.
func (e *Engine) EnqueueLive(pcm []byte) error {
	return e.enqueue(kindLive, pcm, func(t ticket) { e.applyLive(t, pcm) })
}

// EnqueueAudio routes a captured buffer by state: calibration buffers while
// calibrating, live buffers while questioning. Other states ignore it. It
// returns the state the buffer was routed by.
func (e *Engine) EnqueueAudio(pcm []byte) (State, error) {
	st := e.State()
	switch {
	case st.Calibrating():
		return st, e.EnqueueCalibration(pcm)
	case st == InProgress:
		return st, e.EnqueueLive(pcm)
	}
	return st, nil
}

func (e *Engine) applyLive(t ticket, pcm []byte) bool {
	sig := e.analyze(kindLive, pcm)
	spectrum := e.analyzer.Spectrum(pcm)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.validLocked(t) {
		return false
	}
	base := e.baseline.Current(e.record.SubjectSignature)
	e.live = LiveData{
		StressLevel:    float32(scoring.StressFactor(sig.RMS, base) * scoring.StressScale),
		Spectrum:       spectrum,
		EmotionalState: e.scorer.EmotionalState(sig, base),
	}
	return true
}

// begin accepts a unit of work in the current phase. For answers it also
// reserves the current question.
func (e *Engine) begin(kind string, pcm []byte) (ticket, bool) {
	if len(pcm) < 2 {
		return ticket{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.intake || e.record == nil {
		return ticket{}, false
	}
	t := ticket{gen: e.gen, state: e.state, question: e.index, kind: kind}
	switch kind {
	case kindCalibration:
		if !e.state.Calibrating() {
			return ticket{}, false
		}
	case kindIdentify:
		if !e.state.Active() {
			return ticket{}, false
		}
	case kindLive:
		if e.state != InProgress {
			return ticket{}, false
		}
	case kindAnswer:
		if e.state != InProgress || e.index < 0 || e.index >= len(e.questions) ||
			e.answered[e.index] || !e.record.SubjectSignature.Enrolled() {
			return ticket{}, false
		}
		e.answered[e.index] = true
		e.scoring.add(1)
	}
	e.inflight.add(1)
	return t, true
}

func (e *Engine) finish(t ticket) {
	if t.kind == kindAnswer {
		e.scoring.add(-1)
	}
	e.inflight.add(-1)
}

// enqueue accepts pcm in the current phase and hands apply to the
// pipeline. Without a pipeline apply runs inline.
func (e *Engine) enqueue(kind string, pcm []byte, apply func(ticket)) error {
	t, ok := e.begin(kind, pcm)
	if !ok {
		return nil
	}
	if e.pipeline == nil {
		defer e.finish(t)
		apply(t)
		return nil
	}
	err := e.pipeline.TrySubmit(kind, func() {
		defer e.finish(t)
		apply(t)
	})
	if err != nil {
		if kind == kindAnswer {
			e.mu.Lock()
			if e.gen == t.gen {
				e.answered[t.question] = false
			}
			e.mu.Unlock()
		}
		e.finish(t)
		return fmt.Errorf("session: enqueue %s: %w", kind, err)
	}
	return nil
}

// validLocked reports whether work accepted under t may still be applied.
func (e *Engine) validLocked(t ticket) bool {
	return e.gen == t.gen && e.state == t.state && e.record != nil
}

func (e *Engine) analyze(kind string, pcm []byte) analysis.Signature {
	start := time.Now()
	sig := e.analyzer.Analyze(pcm)
	e.metrics.RecordAnalysis(context.Background(), kind, time.Since(start).Seconds())
	return sig
}

// ── Display ────────────────────────────────────────────────────────────────

// Tick appends one point to each history chart and publishes a data update.
// It does nothing while idle or finished.
func (e *Engine) Tick() {
	e.mu.Lock()
	if e.record == nil || e.state == Idle || e.state == Finished {
		e.mu.Unlock()
		return
	}
	base := e.baseline.Current(e.record.SubjectSignature)
	e.history.Append(
		DataPoint{Value: e.peak, Stressed: float64(e.peak) > e.threshold*1.5},
		DataPoint{Value: float32(base.Frequency + (e.rng.Float64()-0.5)*10)},
		DataPoint{Value: float32(base.Timbre + (e.rng.Float64()-0.5)*50)},
	)
	live := e.live
	evs := []Event{{Kind: EventDataUpdate, Data: &live}}
	e.unlockAndDispatch(evs)
}

// ReviewQuestion fills the history charts from the i-th answered question
// of a finished session: a stress ramp towards the recorded level and flat
// pitch and timbre lines.
func (e *Engine) ReviewQuestion(i int) (HistorySnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return HistorySnapshot{}, ErrNoSession
	}
	if e.state != Finished {
		return HistorySnapshot{}, fmt.Errorf("session: review question %d: %w", i, ErrNotFinished)
	}
	if i < 0 || i >= len(e.record.QuestionLogs) {
		return HistorySnapshot{}, fmt.Errorf("session: review question %d: %w", i, ErrNoAnswer)
	}
	res := e.record.QuestionLogs[i].AnalysisResult
	e.history.Reset()
	n := e.history.Cap()
	for k := range n {
		progress := float32(k) / float32(n)
		e.history.Append(
			DataPoint{Value: res.StressLevel * progress, Stressed: res.IsDeceptive},
			DataPoint{Value: float32(res.AveragePitch)},
			DataPoint{Value: float32(res.AverageTimbre)},
		)
	}
	return e.history.Snapshot(), nil
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		State:            e.state,
		Reviewing:        e.reviewing,
		QuestionIndex:    e.index,
		QuestionCount:    len(e.questions),
		Finished:         e.finishedLocked(),
		Calibrated:       e.acc.Count(),
		Spikes:           e.spikes,
		MicroExpressions: e.micro,
		PeakStress:       e.peak,
		StressThreshold:  e.threshold,
		Identification:   e.ident,
		Live:             e.live,
		History:          e.history.Snapshot(),
		Record:           e.record.Clone(),
	}
	if e.record != nil {
		s.SessionID = e.record.ID
		s.Baseline = e.baseline.Current(e.record.SubjectSignature)
	}
	if e.index >= 0 && e.index < len(e.questions) {
		s.Question = e.questions[e.index].Text
	}
	return s
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Record returns a copy of the current record, or nil.
func (e *Engine) Record() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone()
}

// ArchiveRecord returns a copy of the live record for saving. Sessions
// loaded for review cannot be archived again.
func (e *Engine) ArchiveRecord() (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return nil, ErrNoSession
	}
	if e.reviewing {
		return nil, ErrReviewMode
	}
	return e.record.Clone(), nil
}

// MarkSaved logs that the session with the given id was archived. It is a
// no-op when that session is no longer current.
func (e *Engine) MarkSaved(id string) {
	e.mu.Lock()
	if e.record == nil || e.reviewing || e.record.ID != id {
		e.mu.Unlock()
		return
	}
	evs := []Event{e.logLocked(LogSystem, MsgArchiveSaved, ColorLimeGreen, 0)}
	e.unlockAndDispatch(evs)
}

// StressThreshold returns the current stress threshold.
func (e *Engine) StressThreshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold
}

// SetStressThreshold changes the threshold for subsequent answers.
// Non-positive values are ignored.
func (e *Engine) SetStressThreshold(v float64) {
	if v <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threshold = v
}

// ── Events ─────────────────────────────────────────────────────────────────

// logLocked appends an entry to the record's event log and returns the
// matching event.
func (e *Engine) logLocked(eventType, details, color string, answerRef int) Event {
	item := EventLogItem{
		Timestamp: e.now().Round(0).UTC(),
		EventType: eventType,
		Details:   details,
		ColorHtml: color,
		AnswerRef: answerRef,
	}
	e.record.EventLog = append(e.record.EventLog, item)
	return Event{Kind: EventLogged, Log: &item}
}

func (e *Engine) stateChangeLocked(msg, color string) Event {
	return Event{Kind: EventStateChange, Message: msg, Color: color}
}

// unlockAndDispatch stamps evs, releases e.mu and notifies observers in
// order. Must be called with e.mu held.
func (e *Engine) unlockAndDispatch(evs []Event) {
	now := e.now()
	var id string
	if e.record != nil {
		id = e.record.ID
	}
	for i := range evs {
		evs[i].Time = now
		evs[i].State = e.state
		evs[i].SessionID = id
	}
	e.dispatchMu.Lock()
	e.mu.Unlock()
	defer e.dispatchMu.Unlock()

	obs := e.observers.list()
	for _, ev := range evs {
		for _, o := range obs {
			o.Notify(ev)
		}
	}
}

// calibrationLabel returns the speaker label that prefixes a calibration
// prompt.
func calibrationLabel(msg string) string {
	label, _, _ := strings.Cut(msg, ",")
	return label
}
