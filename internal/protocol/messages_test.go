package protocol

import (
	"encoding/json"
	"testing"
)

func TestMarshalEnvelope_RoundTrip(t *testing.T) {
	data, err := MarshalEnvelope(TypeIssueJob, IssueJobMessage{
		Cmd:               []string{"echo", "hi"},
		Cwd:               "/tmp",
		RequiredResources: Resources{JobSlots: 1, CPUs: 1, RAMMB: 256},
	})
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}

	var raw EnvelopeRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if raw.Type != TypeIssueJob {
		t.Fatalf("got type=%q, want %q", raw.Type, TypeIssueJob)
	}

	var payload IssueJobMessage
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Cwd != "/tmp" || len(payload.Cmd) != 2 {
		t.Errorf("got payload=%+v", payload)
	}
}

func TestResources_Fits(t *testing.T) {
	cases := []struct {
		name      string
		required  Resources
		available Resources
		want      bool
	}{
		{"exact fit", Resources{1, 1, 100}, Resources{1, 1, 100}, true},
		{"slots short", Resources{2, 1, 100}, Resources{1, 1, 100}, false},
		{"cpus short", Resources{1, 2, 100}, Resources{1, 1, 100}, false},
		{"ram short", Resources{1, 1, 200}, Resources{1, 1, 100}, false},
		{"ample", Resources{1, 1, 100}, Resources{4, 8, 16000}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.required.Fits(tc.available); got != tc.want {
				t.Errorf("got fits=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestJobStatus_KindRoundTrip(t *testing.T) {
	status := JobStatus{Kind: JobRunning, WorkerID: 7}
	data, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded JobStatus
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != JobRunning || decoded.WorkerID != 7 {
		t.Errorf("got %+v", decoded)
	}
}
