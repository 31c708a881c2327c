package alerts

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/ebpf-tracer/internal/detect"
	"github.com/your-org/ebpf-tracer/internal/model"
)

func TestFileWriterAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	w, err := NewFileWriter(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, w.Write(detect.Alert{
			RuleID:    id,
			EventType: model.EventClose,
			Event:     model.Event{Type: model.EventClose, Pid: 7},
		}))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a detect.Alert
		require.NoError(t, json.Unmarshal(sc.Bytes(), &a))
		assert.Equal(t, uint32(7), a.Event.Pid)
		ids = append(ids, a.RuleID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestWriteAfterClose(t *testing.T) {
	w, err := NewFileWriter(filepath.Join(t.TempDir(), "alerts.jsonl"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Error(t, w.Write(detect.Alert{RuleID: "x"}))
}
