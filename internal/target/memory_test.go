package target

import (
	"context"
	"testing"

	"github.com/pitabwire/advflow/model"
)

func TestMemoryRepository_GetReturnsCopy(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Put(&Record{Kind: "page", ID: "p1", Fields: map[string]any{"title": "Draft"}})

	got, err := repo.Get(context.Background(), model.TargetRef{Kind: "page", ID: "p1"})
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if err := got.SetField("title", "Changed"); err != nil {
		t.Fatalf("SetField error: %v", err)
	}

	again, _ := repo.Get(context.Background(), model.TargetRef{Kind: "page", ID: "p1"})
	if v, _ := again.Field("title"); v != "Draft" {
		t.Errorf("title = %v, want Draft (unwritten change leaked)", v)
	}

	if err := repo.Write(context.Background(), got); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	again, _ = repo.Get(context.Background(), model.TargetRef{Kind: "page", ID: "p1"})
	if v, _ := again.Field("title"); v != "Changed" {
		t.Errorf("title = %v, want Changed", v)
	}
}

func TestMemoryRepository_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Get(context.Background(), model.TargetRef{Kind: "page", ID: "missing"})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
	if err := repo.Publish(context.Background(), model.TargetRef{Kind: "page", ID: "missing"}); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Publish err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryRepository_PublishUnpublish(t *testing.T) {
	repo := NewMemoryRepository()
	ref := model.TargetRef{Kind: "page", ID: "p1"}
	repo.Put(&Record{Kind: "page", ID: "p1"})

	if err := repo.Publish(context.Background(), ref); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	got, _ := repo.Get(context.Background(), ref)
	if v, _ := got.Field("published"); v != true {
		t.Errorf("published = %v, want true", v)
	}

	if err := repo.Unpublish(context.Background(), ref); err != nil {
		t.Fatalf("Unpublish error: %v", err)
	}
	got, _ = repo.Get(context.Background(), ref)
	if v, _ := got.Field("published"); v != false {
		t.Errorf("published = %v, want false", v)
	}
}

func TestMemoryRepository_Parent(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Put(&Record{Kind: "page", ID: "root"})
	repo.Put(&Record{Kind: "page", ID: "child", Parent: model.TargetRef{Kind: "page", ID: "root"}})

	parent, ok, err := repo.Parent(context.Background(), model.TargetRef{Kind: "page", ID: "child"})
	if err != nil || !ok {
		t.Fatalf("Parent = %v, %v, %v", parent, ok, err)
	}
	if parent.ID != "root" {
		t.Errorf("parent = %v, want page/root", parent)
	}

	_, ok, _ = repo.Parent(context.Background(), model.TargetRef{Kind: "page", ID: "root"})
	if ok {
		t.Error("root should have no parent")
	}
}

func TestRecord_AccessLists(t *testing.T) {
	r := &Record{Kind: "page", ID: "p1", Editors: []string{"alice", "editors"}}
	if !r.CanEdit(&model.RequestContext{SubjectID: "alice"}) {
		t.Error("alice should edit")
	}
	if !r.CanEdit(&model.RequestContext{SubjectID: "bob", Groups: []string{"editors"}}) {
		t.Error("editors group member should edit")
	}
	if r.CanEdit(&model.RequestContext{SubjectID: "carol"}) {
		t.Error("carol should not edit")
	}
	if !r.CanView(&model.RequestContext{SubjectID: "carol"}) {
		t.Error("empty viewer list should allow everyone")
	}
}

func TestRecord_SetFieldReserved(t *testing.T) {
	r := &Record{Kind: "page", ID: "p1"}
	if err := r.SetField("published", true); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("err = %v, want BAD_REQUEST", err)
	}
}
