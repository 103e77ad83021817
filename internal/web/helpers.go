package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppErr maps error kinds onto HTTP statuses. Limit errors carry their
// scope so clients can tell a full session from a saturated server.
func writeAppErr(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.Conflict:
		writeError(w, http.StatusConflict, err.Error())
	case apperr.BadRequest:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.Forbidden:
		writeError(w, http.StatusForbidden, err.Error())
	case apperr.LimitExceeded:
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": err.Error(),
			"scope": apperr.ScopeOf(err),
		})
	default:
		log.Printf("web: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireJSON checks the Content-Type header and returns false (with a 415
// response) if it is not application/json.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

// parseLimitOffset extracts limit and offset query params with defaults and
// validation.
func parseLimitOffset(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// identityHeader names the requesting user. There is no authentication
// layer; the header is trusted the way a local multiplexer trusts its
// clients.
const identityHeader = "X-Termhub-User"

// anonymousUser is the identity assigned when the header is absent.
const anonymousUser = "anonymous"

func identity(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(identityHeader)); u != "" {
		return u
	}
	return anonymousUser
}

// canView reports whether user may see a session: private sessions are
// owner-only, everything else is visible.
func canView(owner, visibility, user string) bool {
	if visibility == session.VisibilityPrivate {
		return owner == "" || owner == user
	}
	return true
}

// canControl reports whether user may mutate a session (input, resize,
// note, stop-inputs, scheduling). Public sessions accept anyone;
// shared_readonly and private are owner-only.
func canControl(owner, visibility, user string) bool {
	if visibility == session.VisibilityPublic {
		return true
	}
	return owner == "" || owner == user
}

// resolveLive fetches a live session and applies the access check. mutate
// additionally requires control permission.
func (s *Server) resolveLive(r *http.Request, mutate bool) (*session.Session, error) {
	sess, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	user := identity(r)
	if !canView(sess.Owner(), sess.Visibility(), user) {
		// A session the caller may not see is indistinguishable from one
		// that does not exist.
		return nil, apperr.E(apperr.NotFound, "session %q not found", r.PathValue("id"))
	}
	if mutate && !canControl(sess.Owner(), sess.Visibility(), user) {
		return nil, apperr.E(apperr.Forbidden, "session %s is read-only for %s", sess.ID, user)
	}
	return sess, nil
}
