package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/vocalprobe/pkg/audio"
)

// replayFrame is the length of each buffer fed to the engine during replay.
const replayFrame = 100 * time.Millisecond

// replay feeds the raw PCM recording at path through the engine in real
// time, as if it were captured live.
func (a *App) replay(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("app: replay: %w", err)
	}
	format := a.captureFormat()
	frameBytes := int(replayFrame.Seconds()*float64(format.SampleRate)) * format.Channels * audio.BytesPerSample

	slog.Info("replaying recording", "path", path, "format", format.String())
	return a.feed(ctx, audio.NewReaderSource(ctx, f, format, frameBytes, true), path)
}

// feed drains src into the engine. A session is started first when none is
// active. Buffers are routed by state like WebSocket ingest. feed closes src.
func (a *App) feed(ctx context.Context, src audio.Source, name string) error {
	defer src.Close()

	if !a.engine.State().Active() {
		id := a.engine.Start()
		slog.Info("audio feed started a session", "source", name, "session_id", id)
	}

	conv := &audio.Converter{Target: audio.Mono(a.analyzer.SampleRate())}
	var frames, dropped int
	for {
		var (
			frame audio.AudioFrame
			ok    bool
		)
		select {
		case <-ctx.Done():
			slog.Info("audio feed interrupted", "source", name, "frames", frames)
			return nil
		case frame, ok = <-src.Frames():
		}
		if !ok {
			break
		}
		pcm := conv.Convert(frame).Data
		if len(pcm) < audio.BytesPerSample {
			continue
		}
		frames++
		if _, err := a.engine.EnqueueAudio(pcm); err != nil {
			dropped++
			a.metrics.RecordDropped(ctx, "audio")
		}
	}

	if err := a.pipeline.Wait(ctx); err != nil {
		slog.Info("audio feed interrupted", "source", name, "frames", frames)
		return nil
	}
	slog.Info("audio feed finished",
		"source", name,
		"frames", frames,
		"dropped", dropped,
		"state", a.engine.State().String(),
	)
	return nil
}
