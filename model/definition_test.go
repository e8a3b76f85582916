package model

import "testing"

func TestDefinition_InitialAction(t *testing.T) {
	def := Definition{Actions: []Action{
		{ID: "review", Sort: 2},
		{ID: "draft", Sort: 0},
		{ID: "publish", Sort: 5},
	}}
	if got := def.InitialAction(); got == nil || got.ID != "draft" {
		t.Errorf("InitialAction() = %+v, want draft", got)
	}

	// Equal keys fall back to declaration order.
	tied := Definition{Actions: []Action{{ID: "a", Sort: 1}, {ID: "b", Sort: 1}}}
	if got := tied.InitialAction(); got.ID != "a" {
		t.Errorf("InitialAction() on tie = %q, want a", got.ID)
	}

	if got := (Definition{}).InitialAction(); got != nil {
		t.Errorf("InitialAction() on empty definition = %+v, want nil", got)
	}
}

func TestDefinition_SortedActions(t *testing.T) {
	def := Definition{Actions: []Action{
		{ID: "c", Sort: 3},
		{ID: "a", Sort: 1},
		{ID: "b", Sort: 1},
	}}
	got := def.SortedActions()
	want := []string{"a", "b", "c"}
	for i, a := range got {
		if a.ID != want[i] {
			t.Errorf("SortedActions()[%d] = %q, want %q", i, a.ID, want[i])
		}
	}
	if def.Actions[0].ID != "c" {
		t.Error("SortedActions reordered the definition in place")
	}
}

func TestDefinition_lookups(t *testing.T) {
	def := Definition{Actions: []Action{
		{ID: "draft", Transitions: []Transition{{ID: "submit", Sort: 1}, {ID: "discard", Sort: 0}}},
		{ID: "review", Transitions: []Transition{{ID: "approve"}}},
		{ID: "done"},
	}}
	if def.TransitionCount() != 3 {
		t.Errorf("TransitionCount() = %d, want 3", def.TransitionCount())
	}
	if a := def.Action("review"); a == nil || a.Transition("approve") == nil {
		t.Errorf("Action(review) = %+v", a)
	}
	if def.Action("missing") != nil {
		t.Error("Action(missing) != nil")
	}
	if def.Actions[0].Transition("approve") != nil {
		t.Error("draft owns approve")
	}
	if got := def.Actions[0].SortedTransitions(); got[0].ID != "discard" {
		t.Errorf("SortedTransitions()[0] = %q, want discard", got[0].ID)
	}
}

func TestTransition_CanExecute(t *testing.T) {
	alice := &RequestContext{SubjectID: "alice", Groups: []string{"legal"}}
	bob := &RequestContext{SubjectID: "bob", Groups: []string{"marketing"}}

	tests := []struct {
		name string
		tr   Transition
		rc   *RequestContext
		want bool
	}{
		{"unrestricted", Transition{}, bob, true},
		{"unrestricted without actor", Transition{}, nil, true},
		{"listed user", Transition{RestrictUsers: []string{"alice"}}, alice, true},
		{"unlisted user", Transition{RestrictUsers: []string{"alice"}}, bob, false},
		{"member of group", Transition{RestrictGroups: []string{"legal"}}, alice, true},
		{"not in group", Transition{RestrictGroups: []string{"legal"}}, bob, false},
		{"user or group", Transition{RestrictUsers: []string{"carol"}, RestrictGroups: []string{"marketing"}}, bob, true},
		{"restricted without actor", Transition{RestrictUsers: []string{"alice"}}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tr.CanExecute(tt.rc); got != tt.want {
				t.Errorf("CanExecute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefinition_CloneIsIndependent(t *testing.T) {
	def := Definition{
		DefaultGroups: []string{"legal"},
		Actions: []Action{{
			ID:          "review",
			Params:      map[string]any{"users": "alice"},
			Transitions: []Transition{{ID: "approve", RestrictGroups: []string{"legal"}}},
		}},
	}
	cp := def.Clone()
	cp.DefaultGroups[0] = "x"
	cp.Actions[0].Params["users"] = "x"
	cp.Actions[0].Transitions[0].RestrictGroups[0] = "x"
	cp.Actions[0].Transitions[0].ID = "x"

	if def.DefaultGroups[0] != "legal" ||
		def.Actions[0].Params["users"] != "alice" ||
		def.Actions[0].Transitions[0].RestrictGroups[0] != "legal" ||
		def.Actions[0].Transitions[0].ID != "approve" {
		t.Errorf("original changed through clone: %+v", def)
	}
}
