package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits dispatcher events. Implementations must be safe for
// concurrent use.
type Writer interface {
	WriteExecution(ctx context.Context, passID string, rec *ExecutionRecord) error
	WriteWaiting(ctx context.Context, passID string, rec *WaitingRecord) error
	WritePass(ctx context.Context, passID string, rec *PassRecord) error
	WriteError(ctx context.Context, passID string, rec *ErrorRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON. Writes are
// serialized so lines never interleave.
type JSONLWriter struct {
	w      io.Writer
	source string
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter returns a writer tagging every record with source.
func NewJSONLWriter(w io.Writer, source string) *JSONLWriter {
	return &JSONLWriter{w: w, source: source, now: time.Now}
}

func (jw *JSONLWriter) WriteExecution(ctx context.Context, passID string, rec *ExecutionRecord) error {
	return jw.writeRecord(ctx, TypeExecution, passID, rec)
}

func (jw *JSONLWriter) WriteWaiting(ctx context.Context, passID string, rec *WaitingRecord) error {
	return jw.writeRecord(ctx, TypeWaiting, passID, rec)
}

func (jw *JSONLWriter) WritePass(ctx context.Context, passID string, rec *PassRecord) error {
	return jw.writeRecord(ctx, TypePass, passID, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, passID string, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, passID, rec)
}

// Close marks the writer closed. The underlying io.Writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, passID string, data any) error {
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

	record := Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		Source: jw.source,
		PassID: passID,
		Data:   dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error.
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
