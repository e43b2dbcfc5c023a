// Package changelog archives pruned change-log entries to rotating
// zstd-compressed JSONL files so the feed table can stay small without
// losing history.
package changelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"shardrealm.gg/internal/protocol"
)

type Archiver struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewArchiver(baseDir string) *Archiver {
	return &Archiver{
		baseDir: filepath.Join(baseDir, "changes"),
		prefix:  "changes",
		now:     time.Now,
	}
}

func (a *Archiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

// WriteChanges appends one JSONL line per entry to the file for the
// current hour, rotating when the hour rolls over.
func (a *Archiver) WriteChanges(changes []protocol.ChunkChange) error {
	if len(changes) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	hour := a.now().UTC().Format("2006-01-02-15")
	if hour != a.curHour {
		if err := a.rotateLocked(hour); err != nil {
			return err
		}
	}

	for _, change := range changes {
		b, err := json.Marshal(change)
		if err != nil {
			return err
		}
		if _, err := a.w.Write(b); err != nil {
			return err
		}
		if err := a.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return a.w.Flush()
}

func (a *Archiver) rotateLocked(hour string) error {
	if err := a.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	a.f = f
	a.enc = enc
	a.w = bufio.NewWriterSize(enc, 128*1024)
	a.curHour = hour
	return nil
}

func (a *Archiver) closeLocked() error {
	var err1 error
	if a.w != nil {
		_ = a.w.Flush()
	}
	if a.enc != nil {
		err1 = a.enc.Close()
		a.enc = nil
	}
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	a.w = nil
	return err1
}

func (a *Archiver) pathForHour(hour string) string {
	return filepath.Join(a.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", a.prefix, hour))
}
