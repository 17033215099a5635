package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteJobStatus(ctx context.Context, rec *JobStatusRecord) error
	WriteRun(ctx context.Context, rec *RunRecord) error
	WriteQueueItem(ctx context.Context, rec *QueueItemRecord) error
	WriteEvent(ctx context.Context, rec *EventRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
type JSONLWriter struct {
	w      io.Writer
	source string
	now    func() time.Time
	mu     sync.Mutex

	closed bool
}

// NewJSONLWriter creates a writer stamping every record with source.
func NewJSONLWriter(w io.Writer, source string) *JSONLWriter {
	return &JSONLWriter{w: w, source: source, now: time.Now}
}

func (jw *JSONLWriter) WriteJobStatus(ctx context.Context, rec *JobStatusRecord) error {
	return jw.writeRecord(ctx, TypeJobStatus, rec)
}

func (jw *JSONLWriter) WriteRun(ctx context.Context, rec *RunRecord) error {
	return jw.writeRecord(ctx, TypeRun, rec)
}

func (jw *JSONLWriter) WriteQueueItem(ctx context.Context, rec *QueueItemRecord) error {
	return jw.writeRecord(ctx, TypeQueueItem, rec)
}

func (jw *JSONLWriter) WriteEvent(ctx context.Context, rec *EventRecord) error {
	return jw.writeRecord(ctx, TypeEvent, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

// Close marks the writer as closed. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recordBytes, err := json.Marshal(Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		Source: jw.source,
		Data:   dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
