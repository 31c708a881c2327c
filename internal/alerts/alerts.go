package alerts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/ebpf-tracer/internal/detect"
)

// FileWriter appends alerts as JSON lines.
type FileWriter struct {
	mu      sync.Mutex
	w       io.WriteCloser
	encoder *json.Encoder
	logger  *zap.Logger
}

func NewFileWriter(path string, logger *zap.Logger) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open alert file: %w", err)
	}
	return NewWriter(f, logger), nil
}

// NewWriter wraps an already open destination.
func NewWriter(w io.WriteCloser, logger *zap.Logger) *FileWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWriter{
		w:       w,
		encoder: json.NewEncoder(w),
		logger:  logger,
	}
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	err := w.w.Close()
	w.w = nil
	return err
}

func (w *FileWriter) Write(a detect.Alert) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		return fmt.Errorf("alert writer closed")
	}

	if err := w.encoder.Encode(a); err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	w.logger.Info("alert",
		zap.String("rule", a.RuleID),
		zap.String("type", string(a.EventType)),
		zap.Uint32("pid", a.Event.Pid),
		zap.String("dst", a.Event.Dst),
		zap.Duration("duration", a.Event.Duration),
	)

	return nil
}
