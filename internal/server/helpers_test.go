package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConn implements Conn for tests, capturing every delivered frame.
type fakeConn struct {
	id     string
	open   bool
	frames [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(payload []byte) bool {
	if !f.open {
		return false
	}
	f.frames = append(f.frames, payload)
	return true
}

func (f *fakeConn) IsOpen() bool { return f.open }

func (f *fakeConn) Close() { f.open = false }

// frameTypes decodes the captured frames and returns their type fields in
// delivery order.
func frameTypes(t *testing.T, frames [][]byte) []string {
	t.Helper()

	types := make([]string, 0, len(frames))
	for _, raw := range frames {
		var frame struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		types = append(types, frame.Type)
	}
	return types
}

func decodeFrame(t *testing.T, raw []byte, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, into))
}
