package session

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// htmlHelperTimeout is the hard-kill deadline for the external renderer.
const htmlHelperTimeout = 10 * time.Second

// historyBuffer owns the append-only output history and its on-disk log
// stream. The in-memory buffer is never trimmed; only the fan-out backlog is.
type historyBuffer struct {
	buf  []byte
	file *os.File
	name string // log file base name, <id>.log
}

// open starts the on-disk log stream when history persistence is enabled.
// Open failures are logged and leave the session memory-only.
func (h *historyBuffer) open(st Settings, id string) {
	if !st.HistoryEnabled || st.SessionsDir == "" {
		return
	}
	if err := os.MkdirAll(st.SessionsDir, 0o755); err != nil {
		log.Printf("session %s: create sessions dir: %v", id, err)
		return
	}
	name := id + ".log"
	f, err := os.OpenFile(filepath.Join(st.SessionsDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("session %s: open history log: %v", id, err)
		return
	}
	h.file = f
	h.name = name
}

// append adds a chunk to the in-memory history and the log stream. Log
// write errors never interrupt the session.
func (h *historyBuffer) append(id, chunk string) {
	h.buf = append(h.buf, chunk...)
	if h.file != nil {
		if _, err := h.file.WriteString(chunk); err != nil {
			log.Printf("session %s: history log write: %v", id, err)
		}
	}
}

func (h *historyBuffer) len() int { return len(h.buf) }

// slice returns the bytes in [offset, offset+limit); limit ≤ 0 means to the
// end. Out-of-range offsets yield an empty string.
func (h *historyBuffer) slice(offset, limit int) string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(h.buf) {
		return ""
	}
	end := len(h.buf)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return string(h.buf[offset:end])
}

// finalize syncs and closes the log stream.
func (h *historyBuffer) finalize(id string) {
	if h.file == nil {
		return
	}
	if err := h.file.Sync(); err != nil {
		log.Printf("session %s: sync history log: %v", id, err)
	}
	if err := h.file.Close(); err != nil {
		log.Printf("session %s: close history log: %v", id, err)
	}
	h.file = nil
}

// renderHTML invokes the external history renderer, if configured, to turn
// the raw log into <id>.html. The helper is hard-killed after its deadline;
// a failed or missing render never deletes the raw log.
func (s *Session) renderHTML() {
	helper := s.settings.HTMLHelper
	if helper == "" || s.history.name == "" || s.settings.SessionsDir == "" {
		return
	}
	logPath := filepath.Join(s.settings.SessionsDir, s.history.name)
	htmlPath := filepath.Join(s.settings.SessionsDir, s.ID+".html")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), htmlHelperTimeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, helper, logPath, htmlPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Printf("session %s: html helper: %v (%s)", s.ID, err, bytes.TrimSpace(out))
		}
	}()
}
