// Package observer also owns async trace-record persistence: every LiveEvent
// is additionally queued for a best-effort write into Mongo (§6.4, "trace
// records written async by observer"), never on the request's critical path.
package observer

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lucia-home/lucia/runtime/agent/telemetry"
	"github.com/lucia-home/lucia/runtime/lucia"
)

const (
	defaultTraceCollection = "orchestration_traces"
	defaultTraceBuffer     = 256
)

// TraceRecord is the document written per LiveEvent for offline inspection.
// Nothing in this module reads the records back; GET
// /internal/orchestration/routing-log does not serve them.
type TraceRecord struct {
	ID           bson.ObjectID `bson:"_id,omitempty"`
	Type         string        `bson:"type"`
	AgentName    string        `bson:"agent_name,omitempty"`
	ToolName     string        `bson:"tool_name,omitempty"`
	State        string        `bson:"state,omitempty"`
	IsRemote     bool          `bson:"is_remote"`
	Confidence   *float64      `bson:"confidence,omitempty"`
	DurationMs   *int64        `bson:"duration_ms,omitempty"`
	ErrorMessage string        `bson:"error_message,omitempty"`
	Timestamp    time.Time     `bson:"timestamp"`
}

// TraceWriterOptions configures TraceWriter.
type TraceWriterOptions struct {
	Client     *mongo.Client
	Database   string
	Collection string
	// BufferSize bounds the writer's internal queue; a full queue drops the
	// incoming event rather than blocking the publisher.
	BufferSize int
	Logger     telemetry.Logger
}

// TraceWriter asynchronously persists LiveEvents to Mongo. Core orchestration
// never writes to Mongo on the critical path (§6.4); TraceWriter is the one
// place that does, entirely off of Hub.Publish's calling goroutine.
type TraceWriter struct {
	coll   *mongo.Collection
	queue  chan lucia.LiveEvent
	logger telemetry.Logger
	done   chan struct{}
}

// NewTraceWriter constructs a TraceWriter and starts its background drain
// loop. Call Close to stop it.
func NewTraceWriter(opts TraceWriterOptions) (*TraceWriter, error) {
	if opts.Client == nil {
		return nil, errNilClient
	}
	if opts.Database == "" {
		return nil, errNoDatabase
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultTraceCollection
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = defaultTraceBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	w := &TraceWriter{
		coll:   opts.Client.Database(opts.Database).Collection(collection),
		queue:  make(chan lucia.LiveEvent, bufSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Publish implements executor.EventSink. A full queue drops ev rather than
// blocking the publishing request.
func (w *TraceWriter) Publish(ev lucia.LiveEvent) {
	select {
	case w.queue <- ev:
	default:
		w.logger.Warn(context.Background(), "trace writer queue full, dropping event", "type", ev.Type)
	}
}

// Close stops the drain loop once the queue is drained.
func (w *TraceWriter) Close() {
	close(w.queue)
	<-w.done
}

func (w *TraceWriter) run() {
	defer close(w.done)
	for ev := range w.queue {
		record := TraceRecord{
			Type:         string(ev.Type),
			AgentName:    ev.AgentName,
			ToolName:     ev.ToolName,
			State:        ev.State,
			IsRemote:     ev.IsRemote,
			Confidence:   ev.Confidence,
			DurationMs:   ev.DurationMs,
			ErrorMessage: ev.ErrorMessage,
			Timestamp:    ev.Timestamp,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := w.coll.InsertOne(ctx, record); err != nil {
			w.logger.Warn(ctx, "trace write failed", "error", err.Error())
		}
		cancel()
	}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

var (
	errNilClient  = mongoErr("observer: mongo client is required")
	errNoDatabase = mongoErr("observer: database name is required")
)

type mongoErr string

func (e mongoErr) Error() string { return string(e) }
