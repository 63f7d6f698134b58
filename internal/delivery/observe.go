package delivery

import (
	"context"

	"github.com/nerrad567/aura-uplink/internal/outbox"
	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Metrics receives delivery observations. influxdb.Recorder implements it.
type Metrics interface {
	// ObserveSubmit records the outcome of one per-sample publish.
	ObserveSubmit(results map[string]bool, timedOut bool)

	// ObserveEnqueue records an outbox write attempt.
	ObserveEnqueue(stored bool, errTag string, queueSize int)

	// ObserveDrain records one drain pass.
	ObserveDrain(out outbox.DrainOutcome)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSubmit(map[string]bool, bool) {}
func (nopMetrics) ObserveEnqueue(bool, string, int)    {}
func (nopMetrics) ObserveDrain(outbox.DrainOutcome)    {}

// Queue is the outbox as seen by the delivery loops. *outbox.Outbox implements it.
type Queue interface {
	Enqueue(payload telemetry.Payload, pending telemetry.TargetSet, errTag string) (bool, error)
	DrainOnce(ctx context.Context, batchLimit int, fn outbox.PublishFunc) (outbox.DrainOutcome, error)
	Size() int
	Clear() error
}
