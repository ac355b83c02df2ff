package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"videodaemon/internal/cache"
)

// fileSink appends raw frame bytes to a single on-disk file for the lifetime
// of one stream session (first frame to timeout), per §6's persisted-state
// naming convention.
type fileSink struct {
	file *os.File
}

// FileSinkFactory returns a SinkFactory that opens one file per client
// session under dir, named "<identifier>_<YYYY-MM-DD-HH-MM>.<ext>".
func FileSinkFactory(dir, ext string) SinkFactory {
	if ext == "" {
		ext = "jpgseq"
	}
	return func(identifier string, openedAt time.Time) (VideoSink, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
		name := fmt.Sprintf("%s_%s.%s", identifier, openedAt.UTC().Format("2006-01-02-15-04"), ext)
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", name, err)
		}
		return &fileSink{file: f}, nil
	}
}

func (s *fileSink) WriteFrame(frame cache.Frame) error {
	_, err := s.file.Write(frame.Bytes)
	return err
}

func (s *fileSink) Close() error {
	return s.file.Close()
}
