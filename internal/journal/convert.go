package journal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joestump/termhub/internal/protocol"
)

// FromMessage maps a broadcast control message to a journal entry. ok is
// false for types the journal does not audit (stdout, activity, pong, ...).
// Wiring feeds every published message through this to keep the audit trail
// in lockstep with what clients saw.
func FromMessage(msg protocol.Message) (Entry, bool) {
	switch m := msg.(type) {
	case protocol.SessionUpdated:
		switch m.UpdateType {
		case "created":
			return Entry{
				SessionID: m.SessionData.ID,
				Kind:      KindSessionCreated,
				Actor:     m.SessionData.CreatedBy,
				Detail:    commandLine(m.SessionData.Command),
			}, true
		case "terminated":
			detail := "exited"
			if m.SessionData.ExitCode != nil {
				detail = fmt.Sprintf("exit_code=%d", *m.SessionData.ExitCode)
			}
			e := Entry{
				SessionID: m.SessionData.ID,
				Kind:      KindSessionTerminated,
				Detail:    detail,
			}
			if m.SessionData.Summary != "" {
				e.Data = marshal(map[string]string{"summary": m.SessionData.Summary})
			}
			return e, true
		}
		return Entry{}, false

	case protocol.StdinInjected:
		detail := fmt.Sprintf("%d bytes via %s", m.Bytes, m.Source)
		if m.Submit {
			detail += " (submit)"
		}
		e := Entry{
			SessionID: m.SessionID,
			Kind:      KindInputInjected,
			Actor:     m.By,
			Detail:    detail,
		}
		if m.RuleID != "" {
			e.Data = marshal(map[string]string{"rule_id": m.RuleID})
		}
		return e, true

	case protocol.ScheduledInputRuleUpdated:
		e := Entry{
			SessionID: m.SessionID,
			Kind:      "rule_" + m.Action,
			Detail:    m.RuleID,
		}
		if m.Rule != nil {
			e.Actor = m.Rule.By
			e.Data = marshal(m.Rule)
		}
		return e, true

	case protocol.DeferredInputUpdated:
		e := Entry{
			SessionID: m.SessionID,
			Kind:      "deferred_" + m.Action,
			Detail:    fmt.Sprintf("count=%d", m.Count),
		}
		if m.Pending != nil {
			e.Actor = m.Pending.By
			e.Data = marshal(m.Pending)
		} else if m.PendingID != "" {
			e.Data = marshal(map[string]string{"pending_id": m.PendingID})
		}
		return e, true

	case protocol.StdoutDropped:
		return Entry{
			SessionID: m.SessionID,
			Kind:      KindStdoutDropped,
			Detail:    fmt.Sprintf("dropped=%d backlog=%d", m.DroppedBytes, m.BacklogBytes),
		}, true
	}
	return Entry{}, false
}

func commandLine(command []string) string {
	line := strings.Join(command, " ")
	if len(line) > 120 {
		line = line[:120]
	}
	return line
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
