package wire

import (
	"testing"
	"time"

	"github.com/vigilcore/vigil/internal/types"
	"github.com/vigilcore/vigil/internal/vigilerr"
)

func TestDecodeFlatAlert(t *testing.T) {
	raw := []byte(`{"id":"A1","category":"Emergency","priority":"HIGH","title":"Fire","description":"Hall B",
		"location":{"lat":52.1,"lon":4.3,"label":"Hall B"},"createdAt":"2024-05-01T10:00:00Z","status":"new"}`)

	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Type != TypeAlert || len(f.Alerts) != 1 {
		t.Fatalf("got type %q with %d alerts", f.Type, len(f.Alerts))
	}
	a := f.Alerts[0]
	if a.Category != types.CategoryEmergency {
		t.Errorf("category: got %q, want %q", a.Category, types.CategoryEmergency)
	}
	if a.Priority != types.PriorityHigh {
		t.Errorf("priority: got %q, want %q", a.Priority, types.PriorityHigh)
	}
	if a.Location == nil || a.Location.Label != "Hall B" {
		t.Errorf("location: got %+v", a.Location)
	}
	if want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC); !a.CreatedAt.Equal(want) {
		t.Errorf("createdAt: got %v, want %v", a.CreatedAt, want)
	}
}

func TestDecodeUnknownValuesKept(t *testing.T) {
	f, err := Decode([]byte(`{"type":"alert","id":"A2","category":"weather","priority":"urgent","status":"escalated"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a := f.Alerts[0]
	if a.Priority.Rank() != 0 || a.Category.Rank() != 0 {
		t.Errorf("unknown values should rank lowest, got priority=%d category=%d", a.Priority.Rank(), a.Category.Rank())
	}
	if a.Status != types.StatusNew {
		t.Errorf("unknown status: got %q, want %q", a.Status, types.StatusNew)
	}
}

func TestDecodeBacklog(t *testing.T) {
	alerts := []types.Alert{
		{ID: "B1", Priority: types.PriorityLow, Status: types.StatusResolved},
		{ID: "B2", Priority: types.PriorityHigh, Status: types.StatusNew},
	}
	raw, err := EncodeBacklog(alerts)
	if err != nil {
		t.Fatalf("EncodeBacklog: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Type != TypeBacklog || len(f.Alerts) != 2 {
		t.Fatalf("got type %q with %d alerts", f.Type, len(f.Alerts))
	}
	if f.Alerts[0].Status != types.StatusResolved {
		t.Errorf("status: got %q", f.Alerts[0].Status)
	}
}

func TestDecodeBacklogSkipsInvalidItems(t *testing.T) {
	raw := `{"type":"backlog","alerts":[{"id":"G1","status":"new"},{"title":"no id"},{"id":"G2","status":"resolved"}]}`
	f, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(f.Alerts) != 2 || f.Alerts[0].ID != "G1" || f.Alerts[1].ID != "G2" {
		t.Fatalf("alerts: got %+v", f.Alerts)
	}
	if f.Dropped != 1 {
		t.Errorf("dropped: got %d, want 1", f.Dropped)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not_json", "{nope"},
		{"missing_id", `{"title":"x"}`},
		{"unknown_type", `{"type":"weather-report"}`},
		{"bad_backlog", `{"type":"backlog","alerts":{"id":"x"}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode([]byte(c.raw))
			if !vigilerr.Is(err, vigilerr.CodeMalformed) {
				t.Fatalf("expected Malformed, got %v", err)
			}
		})
	}
}

func TestHeartbeatAndControl(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !IsHeartbeat(Heartbeat(at)) {
		t.Error("expected heartbeat frame")
	}
	if MessageType(SyncRequest(at)) != TypeSync {
		t.Errorf("sync request type: got %q", MessageType(SyncRequest(at)))
	}

	raw, err := EncodeControl(Control{Type: TypeAcknowledge, AlertID: "A1", ActorID: "officer-7", At: at})
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	c, err := DecodeControl(raw)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if c.Type != TypeAcknowledge || c.AlertID != "A1" || c.ActorID != "officer-7" {
		t.Errorf("got %+v", c)
	}
}
