package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/vocalprobe/internal/analysis"
	"github.com/MrWong99/vocalprobe/internal/archive"
	"github.com/MrWong99/vocalprobe/internal/observe"
	"github.com/MrWong99/vocalprobe/internal/session"
)

// StartResponse is returned by POST /v1/session.
type StartResponse struct {
	SessionID string `json:"session_id"`
}

// CalibrationResponse reports calibration progress.
type CalibrationResponse struct {
	Samples   int                 `json:"samples"`
	Percent   int                 `json:"percent"`
	Done      bool                `json:"done"`
	Signature *analysis.Signature `json:"signature,omitempty"`
	State     session.State       `json:"state"`
}

// QuestionResponse is returned by POST /v1/session/questions/next.
type QuestionResponse struct {
	Question string `json:"question,omitempty"`
	Asked    bool   `json:"asked"`
	Finished bool   `json:"finished"`
}

// SaveResponse is returned by POST /v1/session/archive.
type SaveResponse struct {
	ID string `json:"id"`
}

// ThresholdRequest is the body of PUT /v1/session/threshold.
type ThresholdRequest struct {
	StressThreshold float64 `json:"stress_threshold"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := s.engine.Start()
	observe.Logger(observe.WithSessionID(r.Context(), id)).Debug("session started over http")
	writeJSON(w, http.StatusCreated, StartResponse{SessionID: id})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.End(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCalibration analyses one buffer for the speaker being calibrated.
// With ?queue=true the buffer is handed to the pipeline and 202 returned.
func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	pcm, ok := s.readPCM(w, r)
	if !ok {
		return
	}
	if queued(r) {
		if err := s.engine.EnqueueCalibration(pcm); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	p, ok := s.engine.SubmitCalibration(pcm)
	if !ok {
		writeError(w, http.StatusConflict, "no calibration in progress (state "+s.engine.State().String()+")")
		return
	}
	resp := CalibrationResponse{
		Samples: p.Count,
		Percent: p.Percent,
		Done:    p.Done,
		State:   s.engine.State(),
	}
	if p.Done {
		resp.Signature = &p.Signature
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNextQuestion(w http.ResponseWriter, r *http.Request) {
	text, ok, err := s.engine.AskNextQuestion(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuestionResponse{
		Question: text,
		Asked:    ok,
		Finished: s.engine.IsFinished(),
	})
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	pcm, ok := s.readPCM(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.IdentifySpeaker(pcm))
}

// handleAnswer scores the answer to the current question. The response
// query parameter carries the spoken yes or no.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	response := strings.TrimSpace(r.URL.Query().Get("response"))
	if response == "" {
		writeError(w, http.StatusBadRequest, "missing response query parameter")
		return
	}
	pcm, ok := s.readPCM(w, r)
	if !ok {
		return
	}
	if queued(r) {
		if err := s.engine.EnqueueAnswer(response, pcm); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	res, ok := s.engine.ProcessAnswer(response, pcm)
	if !ok {
		writeError(w, http.StatusConflict, "answer not accepted for the current question")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	pcm, ok := s.readPCM(w, r)
	if !ok {
		return
	}
	if queued(r) {
		if err := s.engine.EnqueueLive(pcm); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if !s.engine.ProcessLive(pcm) {
		writeError(w, http.StatusConflict, "live analysis requires a session in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid question index")
		return
	}
	h, err := s.engine.ReviewQuestion(i)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}
	if req.StressThreshold <= 0 {
		writeError(w, http.StatusBadRequest, "stress_threshold must be positive")
		return
	}
	s.engine.SetStressThreshold(req.StressThreshold)
	writeJSON(w, http.StatusOK, ThresholdRequest{StressThreshold: s.engine.StressThreshold()})
}

// ── archive ──────────────────────────────────────────────────────────────────

func (s *Server) archiveAvailable(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no archive store configured")
		return false
	}
	return true
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if !s.archiveAvailable(w) {
		return
	}
	rec, err := s.engine.ArchiveRecord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := observe.WithSessionID(r.Context(), rec.ID)
	if err := s.store.Save(ctx, rec); err != nil {
		s.fail(w, r.WithContext(ctx), err)
		return
	}
	s.engine.MarkSaved(rec.ID)
	observe.Logger(ctx).Info("session archived")
	writeJSON(w, http.StatusCreated, SaveResponse{ID: rec.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.archiveAvailable(w) {
		return
	}
	list, err := s.store.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []archive.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if !s.archiveAvailable(w) {
		return
	}
	rec, err := s.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.Load(rec); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handleVoiceprintSearch analyses the posted PCM and returns the closest
// archived voiceprints. The k query parameter bounds the result (default 5).
func (s *Server) handleVoiceprintSearch(w http.ResponseWriter, r *http.Request) {
	if s.voiceprints == nil {
		writeError(w, http.StatusNotImplemented, "voiceprint search requires the postgres archive")
		return
	}
	k := 5
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "k must be between 1 and 100")
			return
		}
		k = n
	}
	pcm, ok := s.readPCM(w, r)
	if !ok {
		return
	}
	matches, err := s.voiceprints.NearestVoiceprints(r.Context(), s.analyzer.Analyze(pcm), k)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func queued(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("queue"))
	return v
}
