package model

import (
	"testing"
	"time"
)

func TestTargetRef(t *testing.T) {
	var zero TargetRef
	if !zero.IsZero() || zero.String() != "" {
		t.Errorf("zero ref: IsZero=%v String=%q", zero.IsZero(), zero.String())
	}
	ref := TargetRef{Kind: "page", ID: "home"}
	if ref.IsZero() {
		t.Error("IsZero() = true for page/home")
	}
	if ref.String() != "page/home" {
		t.Errorf("String() = %q, want page/home", ref.String())
	}
	if (TargetRef{Kind: "page"}).IsZero() {
		t.Error("IsZero() = true with only a kind")
	}
}

func sampleInstance() Instance {
	finished := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return Instance{
		ID:              "inst-1",
		Status:          InstanceStatusPaused,
		CurrentActionID: "ai-2",
		AssignedUsers:   []string{"alice"},
		AssignedGroups:  []string{"legal"},
		Graph: []Action{
			{ID: "g-draft", Title: "Draft", Transitions: []Transition{{ID: "g-submit", NextActionID: "g-review"}}},
			{ID: "g-review", Title: "Review"},
		},
		Actions: []ActionInstance{
			{ID: "ai-1", BaseActionID: "g-draft", Finished: true, FinishedAt: &finished},
			{ID: "ai-2", BaseActionID: "g-review", Annotations: []Annotation{{AuthorID: "alice", Text: "looks fine"}}},
		},
	}
}

func TestInstance_CloneIsIndependent(t *testing.T) {
	inst := sampleInstance()
	cp := inst.Clone()

	cp.AssignedUsers[0] = "mallory"
	cp.AssignedGroups[0] = "x"
	cp.Graph[0].Transitions[0].NextActionID = "x"
	cp.Actions[0].Finished = false
	*cp.Actions[0].FinishedAt = time.Time{}
	cp.Actions[1].Annotations[0].Text = "x"

	if inst.AssignedUsers[0] != "alice" || inst.AssignedGroups[0] != "legal" {
		t.Errorf("assignees changed: %v %v", inst.AssignedUsers, inst.AssignedGroups)
	}
	if inst.Graph[0].Transitions[0].NextActionID != "g-review" {
		t.Error("graph changed through clone")
	}
	if !inst.Actions[0].Finished || inst.Actions[0].FinishedAt.IsZero() {
		t.Error("action log changed through clone")
	}
	if inst.Actions[1].Annotations[0].Text != "looks fine" {
		t.Error("annotations changed through clone")
	}
}

func TestInstance_IsAssigned(t *testing.T) {
	inst := sampleInstance()
	tests := []struct {
		name string
		rc   *RequestContext
		want bool
	}{
		{"assigned user", &RequestContext{SubjectID: "alice"}, true},
		{"assigned group", &RequestContext{SubjectID: "bob", Groups: []string{"legal"}}, true},
		{"outsider", &RequestContext{SubjectID: "bob", Groups: []string{"marketing"}}, false},
		{"no actor", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inst.IsAssigned(tt.rc); got != tt.want {
				t.Errorf("IsAssigned() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstance_statusAndLookups(t *testing.T) {
	inst := sampleInstance()
	if !inst.IsLive() || inst.IsTerminal() {
		t.Errorf("paused: IsLive=%v IsTerminal=%v", inst.IsLive(), inst.IsTerminal())
	}
	cur := inst.CurrentAction()
	if cur == nil || cur.ID != "ai-2" {
		t.Fatalf("CurrentAction() = %+v", cur)
	}
	if ga := inst.GraphAction(cur.BaseActionID); ga == nil || ga.Title != "Review" {
		t.Errorf("GraphAction() = %+v", ga)
	}
	if s := inst.Summary(); s.CurrentAction != "Review" || s.Status != InstanceStatusPaused {
		t.Errorf("Summary() = %+v", s)
	}

	inst.Status = InstanceStatusComplete
	inst.CurrentActionID = ""
	if inst.IsLive() || !inst.IsTerminal() {
		t.Errorf("complete: IsLive=%v IsTerminal=%v", inst.IsLive(), inst.IsTerminal())
	}
	if inst.CurrentAction() != nil {
		t.Error("CurrentAction() != nil without a current id")
	}
	if inst.Summary().CurrentAction != "" {
		t.Error("Summary names a current action on a terminal instance")
	}
}
