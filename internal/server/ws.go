package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vocalprobe/internal/observe"
	"github.com/MrWong99/vocalprobe/internal/scoring"
	"github.com/MrWong99/vocalprobe/internal/session"
	"github.com/MrWong99/vocalprobe/pkg/audio"
)

const writeTimeout = 5 * time.Second

// Message types sent over the WebSocket endpoints.
const (
	MsgTypeSnapshot = "snapshot"
	MsgTypeEvent    = "event"
	MsgTypeAnswer   = "answer"
	MsgTypeDiscard  = "discard"
	MsgTypeError    = "error"
)

// StreamMessage is one message of /v1/events.
type StreamMessage struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Event    *session.Event    `json:"event,omitempty"`
}

// AudioCommand is a text message of /v1/audio. Exactly one field is set.
type AudioCommand struct {
	// Answer scores the audio buffered since the last command as the answer
	// to the current question.
	Answer string `json:"answer,omitempty"`

	// Discard drops the buffered audio.
	Discard bool `json:"discard,omitempty"`
}

// AudioReply answers an [AudioCommand].
type AudioReply struct {
	Type     string          `json:"type"`
	Accepted bool            `json:"accepted"`
	Bytes    int             `json:"bytes,omitempty"`
	Result   *scoring.Result `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
}

// handleEvents streams a snapshot followed by every engine event. Events
// are dropped for clients that fall more than the event buffer behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := s.accept(w, r)
	if err != nil {
		slog.Debug("events: websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	obs := session.NewChanObserver(s.eventBuffer)
	unsubscribe := s.engine.Subscribe(obs)
	defer func() {
		unsubscribe()
		obs.Close()
		if n := obs.Dropped(); n > 0 {
			s.metrics.RecordDropped(context.Background(), "websocket")
			slog.Warn("events: client fell behind", "dropped", n)
		}
	}()

	// The client only sends close frames.
	ctx := c.CloseRead(r.Context())

	snap := s.engine.Snapshot()
	if err := s.write(ctx, c, StreamMessage{Type: MsgTypeSnapshot, Snapshot: &snap}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-obs.C():
			if !ok {
				return
			}
			if err := s.write(ctx, c, StreamMessage{Type: MsgTypeEvent, Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c, v); err != nil {
		if !isClosed(err) {
			slog.Debug("websocket write failed", "error", err)
		}
		return err
	}
	return nil
}

// handleAudio ingests captured PCM. Binary messages are converted to the
// analysis format and routed by session state: calibration buffers go to
// the calibration, buffers during questioning update the live display and
// are collected as the pending answer.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	f, err := s.captureFormat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.accept(w, r)
	if err != nil {
		slog.Debug("audio: websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(s.maxBody)

	ctx := r.Context()
	in := &ingest{
		engine:  s.engine,
		format:  f,
		conv:    &audio.Converter{Target: s.target},
		limit:   int(s.maxBody),
		metrics: s.metrics,
	}
	observe.Logger(ctx).Info("audio stream connected", "format", f.String())

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if !isClosed(err) && !errors.Is(err, context.Canceled) {
				slog.Warn("audio: read failed", "error", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			in.frame(ctx, data)
		case websocket.MessageText:
			var cmd AudioCommand
			reply := AudioReply{Type: MsgTypeError}
			if err := json.Unmarshal(data, &cmd); err != nil {
				reply.Error = "invalid command: " + err.Error()
			} else {
				reply = in.command(cmd)
			}
			if err := s.write(ctx, c, reply); err != nil {
				return
			}
		}
	}
}

// ingest routes the frames of one audio connection.
type ingest struct {
	engine  *session.Engine
	format  audio.Format
	conv    *audio.Converter
	limit   int
	metrics *observe.Metrics

	answer    []byte
	truncated bool
}

func (in *ingest) frame(ctx context.Context, data []byte) {
	frame := in.conv.Convert(audio.AudioFrame{
		Data:       data,
		SampleRate: in.format.SampleRate,
		Channels:   in.format.Channels,
	})
	pcm := frame.Data
	if len(pcm) < audio.BytesPerSample {
		return
	}

	st, err := in.engine.EnqueueAudio(pcm)
	if st == session.InProgress {
		in.collect(pcm)
	}
	if err != nil {
		in.metrics.RecordDropped(ctx, "audio")
		slog.Debug("audio: frame dropped", "error", err)
	}
}

func (in *ingest) collect(pcm []byte) {
	if len(in.answer)+len(pcm) > in.limit {
		if !in.truncated {
			in.truncated = true
			slog.Warn("audio: answer buffer full, ignoring further audio", "bytes", len(in.answer))
		}
		return
	}
	in.answer = append(in.answer, pcm...)
}

func (in *ingest) command(cmd AudioCommand) AudioReply {
	switch {
	case cmd.Discard:
		n := len(in.answer)
		in.reset()
		return AudioReply{Type: MsgTypeDiscard, Accepted: true, Bytes: n}
	case strings.TrimSpace(cmd.Answer) != "":
		pcm := in.answer
		in.reset()
		res, ok := in.engine.ProcessAnswer(strings.TrimSpace(cmd.Answer), pcm)
		reply := AudioReply{Type: MsgTypeAnswer, Accepted: ok, Bytes: len(pcm)}
		if ok {
			reply.Result = &res
		} else {
			reply.Error = "answer not accepted for the current question"
		}
		return reply
	default:
		return AudioReply{Type: MsgTypeError, Error: "unknown command"}
	}
}

func (in *ingest) reset() {
	in.answer = nil
	in.truncated = false
}

func isClosed(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
