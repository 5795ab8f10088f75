package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"pact/core/types"
)

type testEvent struct {
	evt *types.Event
}

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

func TestRecorderAndFanout(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	fan := Fanout{a, nil, b, NoopEmitter{}}
	fan.Emit(testEvent{&types.Event{Type: "one"}})
	fan.Emit(testEvent{&types.Event{Type: "two"}})
	for _, rec := range []*Recorder{a, b} {
		got := rec.Types()
		if len(got) != 2 || got[0] != "one" || got[1] != "two" {
			t.Fatalf("unexpected types %v", got)
		}
	}
	a.Emit(nil)
	if len(a.Events()) != 2 {
		t.Fatalf("nil events must be dropped")
	}
}

func TestLogEmitterWritesSortedAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	LogEmitter{Logger: logger}.Emit(testEvent{&types.Event{
		Type:       "settlement.hash_reveal.committed",
		Attributes: map[string]string{"state": "COMMITTED", "intentId": "intent-1"},
	}})
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["type"] != "settlement.hash_reveal.committed" || line["intentId"] != "intent-1" || line["state"] != "COMMITTED" {
		t.Fatalf("unexpected log line %v", line)
	}
	if idx, jdx := bytes.Index(buf.Bytes(), []byte("intentId")), bytes.Index(buf.Bytes(), []byte(`"state"`)); idx > jdx {
		t.Fatalf("attributes must be emitted in key order: %s", buf.String())
	}
}
