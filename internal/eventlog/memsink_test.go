package eventlog

import (
	"bytes"
	"io"
)

// memSink is a minimal in-memory raft.SnapshotSink for exercising
// FSM.Snapshot/Restore without a real snapshot store.
type memSink struct {
	buf bytes.Buffer
}

func newMemSink() *memSink {
	return &memSink{}
}

func (m *memSink) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memSink) Close() error                { return nil }
func (m *memSink) ID() string                  { return "test-snapshot" }
func (m *memSink) Cancel() error               { return nil }

func (m *memSink) reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(m.buf.Bytes()))
}
