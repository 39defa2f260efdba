package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		template, agency, want string
	}{
		{SubjectCandidateApproved, "north", "intake.north.duplicates.approved"},
		{SubjectCaseMerged, "", "intake.default.cases.merged"},
	}
	for _, tt := range tests {
		if got := Subject(tt.template, tt.agency); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.template, tt.agency, got, tt.want)
		}
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	evt := Event{Type: "candidate.rejected", AgencyID: "north", OccurredAt: time.Now(), Data: map[string]string{"id": "x"}}
	if err := r.Publish(context.Background(), "s1", evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := r.Events()
	if len(got) != 1 || got[0].Subject != "s1" || got[0].Event.Type != "candidate.rejected" {
		t.Errorf("unexpected recorded events: %+v", got)
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), "x", Event{}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestEvent_JSONShape(t *testing.T) {
	evt := Event{Type: "case.merged", AgencyID: "north", Data: map[string]int{"n": 1}}
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	for _, k := range []string{"type", "agencyId", "occurredAt", "data"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing key %q in %s", k, b)
		}
	}
}
