package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, data []byte) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJSONLWriter_WriteExecution(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node-1")
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	err := w.WriteExecution(context.Background(), "pass-1", &ExecutionRecord{
		JobID:     "job-1",
		Conductor: "local-shell",
		Status:    "failed",
		Error:     "Job execution returned non-zero.",
	})
	require.NoError(t, err)

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, TypeExecution, r.Type)
	assert.Equal(t, "node-1", r.Source)
	assert.Equal(t, "pass-1", r.PassID)
	assert.Equal(t, fixed, r.TS)

	var ex ExecutionRecord
	require.NoError(t, json.Unmarshal(r.Data, &ex))
	assert.Equal(t, "job-1", ex.JobID)
	assert.Equal(t, "failed", ex.Status)
}

func TestJSONLWriter_RecordTypes(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "")
	ctx := context.Background()

	require.NoError(t, w.WriteWaiting(ctx, "p", &WaitingRecord{JobID: "j", Reasons: []string{"type slurm not accepted"}}))
	require.NoError(t, w.WritePass(ctx, "p", &PassRecord{Executed: 2, Waiting: 1}))
	require.NoError(t, w.WriteError(ctx, "p", &ErrorRecord{Message: "boom"}))

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 3)
	assert.Equal(t, TypeWaiting, records[0].Type)
	assert.Equal(t, TypePass, records[1].Type)
	assert.Equal(t, TypeError, records[2].Type)
	assert.Empty(t, records[0].Source)
}

func TestJSONLWriter_Closed(t *testing.T) {
	w := NewJSONLWriter(io.Discard, "x")
	require.NoError(t, w.Close())
	err := w.WritePass(context.Background(), "p", &PassRecord{})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewJSONLWriter(io.Discard, "x").WritePass(ctx, "p", &PassRecord{})
	assert.ErrorIs(t, err, context.Canceled)
}

type shortWriter struct{ buf bytes.Buffer }

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 8 {
		p = p[:8]
	}
	return s.buf.Write(p)
}

func TestJSONLWriter_ShortWrites(t *testing.T) {
	sw := &shortWriter{}
	w := NewJSONLWriter(sw, "node")
	require.NoError(t, w.WritePass(context.Background(), "p", &PassRecord{Executed: 1}))
	assert.Len(t, decodeLines(t, sw.buf.Bytes()), 1)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestJSONLWriter_WriteFailure(t *testing.T) {
	err := NewJSONLWriter(failWriter{}, "").WritePass(context.Background(), "p", &PassRecord{})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "write", we.Op)
}

func TestJSONLWriter_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "node")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteExecution(context.Background(), "p", &ExecutionRecord{JobID: "job", Conductor: "c"})
		}()
	}
	wg.Wait()
	assert.Len(t, decodeLines(t, buf.Bytes()), 20)
}
