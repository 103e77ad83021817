package web

import (
	"net/http"

	"github.com/joestump/termhub/internal/protocol"
)

func (s *Server) handleListDeferred(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, false)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	pending := s.deps.Deferrals.List(sess.ID)
	if pending == nil {
		pending = []protocol.PendingView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleDeleteDeferred(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if err := s.deps.Deferrals.Delete(sess.ID, r.PathValue("entry_id")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleClearDeferred(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	removed := s.deps.Deferrals.Clear(sess.ID)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
