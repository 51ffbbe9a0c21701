package sandbox

import (
	"bytes"
	"log/slog"
	"sync"
)

// LineLogger is an io.Writer that logs each complete line of process output
// at info level. Remaining partial output is logged by Flush.
type LineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	attrs  []any
	buf    bytes.Buffer
}

// NewLineLogger creates a LineLogger that adds attrs to every record.
func NewLineLogger(logger *slog.Logger, attrs ...any) *LineLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineLogger{logger: logger, attrs: attrs}
}

func (w *LineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs buffered output that has no trailing newline.
func (w *LineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineLogger) emit(line string) {
	w.logger.Info("Output", append(w.attrs, "line", line)...)
}
