package orchestrator

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/corvid-run/orchestrator/graph/emit"
)

// NewLogger builds the process-wide zerolog.Logger. The orchestrator has no
// global logger: every component takes one explicitly via its constructor.
func NewLogger(levelName string, production bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if !production {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return logger
}

// zerologBridge adapts emit.Emitter to zerolog, so graph/engine's event bus
// reaches structured logs without the graph package itself taking a logging
// dependency.
type zerologBridge struct {
	log zerolog.Logger
}

// NewZerologEmitter wraps a zerolog.Logger as an emit.Emitter.
func NewZerologEmitter(log zerolog.Logger) emit.Emitter {
	return &zerologBridge{log: log}
}

func (z *zerologBridge) Emit(event emit.Event) {
	evt := z.log.Info()
	if _, ok := event.Meta["error"]; ok {
		evt = z.log.Error()
	}
	evt.Str("run_id", event.RunID).
		Int("step", event.Step).
		Str("node_id", event.NodeID).
		Fields(event.Meta).
		Msg(event.Msg)
}

func (z *zerologBridge) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, e := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		z.Emit(e)
	}
	return nil
}

func (z *zerologBridge) Flush(ctx context.Context) error {
	return nil
}
