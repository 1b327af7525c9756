package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vigilcore/vigil/internal/types"
	"github.com/vigilcore/vigil/internal/vigilerr"
)

// Frame types exchanged with the remote source.
const (
	TypeAlert       = "alert"
	TypeBacklog     = "backlog"
	TypeHeartbeat   = "heartbeat"
	TypeSync        = "sync"
	TypeAcknowledge = "acknowledge"
	TypeResolve     = "resolve"
)

// Frame is a decoded inbound message.
type Frame struct {
	Type   string
	Alerts []types.Alert
	// Dropped counts backlog items skipped because they could not be used.
	Dropped int
}

// Control is an outbound best-effort notification about a local transition.
type Control struct {
	Type    string    `json:"type"`
	AlertID string    `json:"alertId"`
	ActorID string    `json:"actorId,omitempty"`
	At      time.Time `json:"at"`
}

type inboundAlert struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Category    string          `json:"category"`
	Priority    string          `json:"priority"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Location    *types.Location `json:"location"`
	CreatedAt   time.Time       `json:"createdAt"`
	Status      string          `json:"status"`
	Assignee    string          `json:"assignee"`
}

type inboundBacklog struct {
	Alerts []inboundAlert `json:"alerts"`
}

type header struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame. Malformed frames yield a Malformed error.
// Invalid backlog items are skipped and counted in Frame.Dropped so the rest
// of the backlog still applies.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{}, vigilerr.New(vigilerr.CodeMalformed, "empty frame", nil)
	}

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Frame{}, vigilerr.New(vigilerr.CodeMalformed, "decode frame header", err)
	}

	switch strings.ToLower(h.Type) {
	case "", TypeAlert:
		var in inboundAlert
		if err := json.Unmarshal(data, &in); err != nil {
			return Frame{}, vigilerr.New(vigilerr.CodeMalformed, "decode alert", err)
		}
		a, err := in.toAlert()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: TypeAlert, Alerts: []types.Alert{a}}, nil
	case TypeBacklog:
		var in inboundBacklog
		if err := json.Unmarshal(data, &in); err != nil {
			return Frame{}, vigilerr.New(vigilerr.CodeMalformed, "decode backlog", err)
		}
		f := Frame{Type: TypeBacklog, Alerts: make([]types.Alert, 0, len(in.Alerts))}
		for _, item := range in.Alerts {
			a, err := item.toAlert()
			if err != nil {
				f.Dropped++
				continue
			}
			f.Alerts = append(f.Alerts, a)
		}
		return f, nil
	case TypeHeartbeat:
		return Frame{Type: TypeHeartbeat}, nil
	default:
		return Frame{}, vigilerr.New(vigilerr.CodeMalformed, fmt.Sprintf("unknown frame type %q", h.Type), nil)
	}
}

// IsHeartbeat reports whether data is a heartbeat frame without fully decoding it.
func IsHeartbeat(data []byte) bool {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return false
	}
	return strings.EqualFold(h.Type, TypeHeartbeat)
}

func (in inboundAlert) toAlert() (types.Alert, error) {
	if in.ID == "" {
		return types.Alert{}, vigilerr.New(vigilerr.CodeMalformed, "alert without id", nil)
	}
	return types.Alert{
		ID:          in.ID,
		Category:    types.Category(strings.ToLower(in.Category)),
		Priority:    types.Priority(strings.ToLower(in.Priority)),
		Title:       in.Title,
		Description: in.Description,
		Location:    in.Location,
		CreatedAt:   in.CreatedAt,
		Status:      types.Status(strings.ToLower(in.Status)).Normalize(),
		Assignee:    in.Assignee,
	}, nil
}

// EncodeAlert renders an alert in the inbound frame shape. Used by test and
// simulated sources.
func EncodeAlert(a types.Alert) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		types.Alert
	}{Type: TypeAlert, Alert: a})
}

// EncodeBacklog renders a full backlog frame.
func EncodeBacklog(alerts []types.Alert) ([]byte, error) {
	if alerts == nil {
		alerts = []types.Alert{}
	}
	return json.Marshal(struct {
		Type   string        `json:"type"`
		Alerts []types.Alert `json:"alerts"`
	}{Type: TypeBacklog, Alerts: alerts})
}

// EncodeControl renders an outbound control message.
func EncodeControl(c Control) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeControl parses an outbound control message, as a source would.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, vigilerr.New(vigilerr.CodeMalformed, "decode control", err)
	}
	return c, nil
}

// Heartbeat returns a heartbeat frame stamped with at.
func Heartbeat(at time.Time) []byte {
	b, _ := json.Marshal(struct {
		Type string    `json:"type"`
		At   time.Time `json:"at"`
	}{Type: TypeHeartbeat, At: at})
	return b
}

// SyncRequest returns a backlog request frame.
func SyncRequest(at time.Time) []byte {
	b, _ := json.Marshal(struct {
		Type string    `json:"type"`
		At   time.Time `json:"at"`
	}{Type: TypeSync, At: at})
	return b
}

// MessageType returns the "type" field of an arbitrary frame, or "" if none.
func MessageType(data []byte) string {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return ""
	}
	return strings.ToLower(h.Type)
}
