package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/advflow/internal/behavior"
	"github.com/pitabwire/advflow/internal/capability"
	"github.com/pitabwire/advflow/internal/config"
	"github.com/pitabwire/advflow/internal/definition"
	"github.com/pitabwire/advflow/internal/idempotency"
	"github.com/pitabwire/advflow/internal/scheduler"
	"github.com/pitabwire/advflow/internal/target"
	"github.com/pitabwire/advflow/internal/workflow"
	"github.com/pitabwire/advflow/model"
)

const reviewTemplate = `title: Page review
default_groups: [legal]
steps:
  Draft:
    behavior: simple
    transitions:
      Submit: Review
  Review:
    behavior: simple
    allow_commenting: true
    transitions:
      Approve: Done
      Rework: Draft
  Done:
    behavior: simple
`

type apiFixture struct {
	t         *testing.T
	router    http.Handler
	workflows *workflow.Service
	defs      *definition.Service
	targets   *target.MemoryRepository
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Identity = hmacIdentity(t)
	cfg.Idempotency.Enabled = true
	cfg.Idempotency.Store.DefaultTTL = time.Hour
	cfg.Observability.Metrics.Enabled = false

	identity := capability.NewIdentity(capability.NewResolver(
		capability.NewStaticPolicy(capability.Policy{
			Roles: map[string][]string{
				"admin":  {"workflow:*"},
				"editor": {CapWorkflowStart, CapDefinitionView},
			},
		}),
		time.Minute, 100, nil,
	))

	registry := behavior.NewDefaultRegistry()
	store := workflow.NewMemoryStore()
	targets := target.NewMemoryRepository()
	targets.Put(&target.Record{Kind: "page", ID: "home", Fields: map[string]any{"status": "draft"}})

	engine := workflow.NewEngine(workflow.Collaborators{
		Store:       store,
		Behaviors:   registry,
		Targets:     targets,
		Scheduler:   scheduler.NewMemoryScheduler(),
		Permissions: identity,
	}, workflow.WithAdminCapability("workflow:admin"))

	defStore := definition.NewMemoryStore()
	svc := workflow.NewService(engine, store, store, defStore, targets, workflow.ServiceConfig{InheritDefinitions: true}, nil, nil)
	defs := definition.NewService(defStore, definition.NewValidator(registry), svc, nil, nil)

	keyFunc, err := NewKeyFunc(cfg.Identity, nil)
	if err != nil {
		t.Fatal(err)
	}
	router := NewRouter(Dependencies{
		Config:       cfg,
		Authenticate: JWTAuthenticator(cfg.Identity, keyFunc),
		Workflows:    svc,
		Definitions:  defs,
		Behaviors:    registry,
		Targets:      targets,
		Identity:     identity,
		Idempotency:  idempotency.NewMemoryStore(),
	})
	return &apiFixture{t: t, router: router, workflows: svc, defs: defs, targets: targets}
}

type caller struct {
	sub    string
	roles  []any
	groups []any
}

var (
	alice = caller{sub: "alice", roles: []any{"editor"}, groups: []any{"legal"}}
	bob   = caller{sub: "bob"}
	root  = caller{sub: "root", roles: []any{"admin"}}
)

func (f *apiFixture) do(who caller, method, path string, body string, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	claims := validClaims(who.sub)
	claims["roles"] = who.roles
	claims["groups"] = who.groups
	req.Header.Set("Authorization", "Bearer "+hmacToken(f.t, claims))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, rec).Error.Code
}

// importReview imports the review template and binds it to page/home.
func (f *apiFixture) importReview() model.Definition {
	f.t.Helper()
	rec := f.do(root, http.MethodPost, "/v1/definitions/import", reviewTemplate)
	if rec.Code != http.StatusCreated {
		f.t.Fatalf("import status = %d: %s", rec.Code, rec.Body)
	}
	def := decode[model.Definition](f.t, rec)
	rec = f.do(root, http.MethodPut, "/v1/targets/page/home/definition", `{"definition_id":"`+def.ID+`"}`)
	if rec.Code != http.StatusOK {
		f.t.Fatalf("bind status = %d: %s", rec.Code, rec.Body)
	}
	return def
}

func TestWorkflowAPI_lifecycle(t *testing.T) {
	f := newAPIFixture(t)
	def := f.importReview()

	rec := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body)
	}
	inst := decode[model.Instance](t, rec)
	if inst.Status != model.InstanceStatusPaused || inst.DefinitionID != def.ID {
		t.Errorf("started instance = %s on %s", inst.Status, inst.DefinitionID)
	}
	if len(inst.Actions) != 2 {
		t.Errorf("actions = %d, want 2 (draft auto-advanced to review)", len(inst.Actions))
	}

	rec = f.do(alice, http.MethodGet, "/v1/targets/page/home/workflow", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rec.Code, rec.Body)
	}
	view := decode[workflow.View](t, rec)
	var approve string
	for _, opt := range view.Transitions {
		if opt.Title == "Approve" {
			approve = opt.ID
		}
	}
	if len(view.Transitions) != 2 || approve == "" {
		t.Fatalf("transitions = %+v", view.Transitions)
	}

	rec = f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow/transitions",
		`{"transition_id":"`+approve+`","comment":"ship it"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transition status = %d: %s", rec.Code, rec.Body)
	}
	done := decode[model.Instance](t, rec)
	if done.Status != model.InstanceStatusComplete {
		t.Errorf("status = %s, want complete", done.Status)
	}
	if done.Actions[1].Comment != "ship it" {
		t.Errorf("comment = %q", done.Actions[1].Comment)
	}

	rec = f.do(alice, http.MethodGet, "/v1/workflows/"+inst.ID+"/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", rec.Code, rec.Body)
	}
	history := decode[struct {
		Data []model.WorkflowEvent `json:"data"`
	}](t, rec)
	if got := history.Data[len(history.Data)-1].Event; got != model.EventWorkflowCompleted {
		t.Errorf("last event = %s, want %s", got, model.EventWorkflowCompleted)
	}

	// The target is free again once the instance is terminal.
	rec = f.do(alice, http.MethodGet, "/v1/targets/page/home/workflow", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after completion status = %d, want 404", rec.Code)
	}
}

const embargoTemplate = `title: Embargoed publish
steps:
  Draft:
    behavior: simple
    transitions:
      Submit: Publish
  Publish:
    behavior: publish
    params:
      publish_on: field.embargo
`

func TestWorkflowAPI_startStopsOnBehaviorError(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(root, http.MethodPut, "/v1/targets/page/home", `{"fields":{"embargo":"whenever"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put target status = %d: %s", rec.Code, rec.Body)
	}
	rec = f.do(root, http.MethodPost, "/v1/definitions/import", embargoTemplate)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import status = %d: %s", rec.Code, rec.Body)
	}
	def := decode[model.Definition](t, rec)

	rec = f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", `{"definition_id":"`+def.ID+`"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202: %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Instance model.Instance       `json:"instance"`
		Error    *model.ErrorEnvelope `json:"error"`
	}](t, rec)
	if got.Error == nil {
		t.Fatal("202 without an error")
	}
	// The failed step stays current and unfinished; the run is not paused.
	if got.Instance.Status != model.InstanceStatusActive {
		t.Errorf("status = %s, want active", got.Instance.Status)
	}
	cur := got.Instance.CurrentAction()
	if cur == nil || cur.Finished {
		t.Fatalf("current action = %+v, want the unfinished publish step", cur)
	}

	rec = f.do(root, http.MethodPut, "/v1/targets/page/home", `{"fields":{"embargo":"2020-01-01"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put target status = %d: %s", rec.Code, rec.Body)
	}
	rec = f.do(root, http.MethodPost, "/v1/workflows/"+got.Instance.ID+"/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d: %s", rec.Code, rec.Body)
	}
	if inst := decode[model.Instance](t, rec); inst.Status != model.InstanceStatusComplete {
		t.Errorf("resumed status = %s, want complete", inst.Status)
	}
}

func TestWorkflowAPI_startErrors(t *testing.T) {
	f := newAPIFixture(t)
	f.importReview()

	if rec := f.do(bob, http.MethodPost, "/v1/targets/page/home/workflow", ""); rec.Code != http.StatusForbidden {
		t.Errorf("no capability status = %d, want 403", rec.Code)
	}
	if rec := f.do(alice, http.MethodPost, "/v1/targets/page/missing/workflow", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unbound target status = %d, want 404", rec.Code)
	}
	if rec := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rec.Code)
	}

	if rec := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", ""); rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body)
	}
	rec := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != model.ErrExistingWorkflow {
		t.Errorf("second start = %d %s", rec.Code, rec.Body)
	}
}

func TestWorkflowAPI_transitionErrors(t *testing.T) {
	f := newAPIFixture(t)
	f.importReview()
	if rec := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", ""); rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d", rec.Code)
	}

	tests := []struct {
		name   string
		who    caller
		body   string
		status int
		code   string
	}{
		{"missing id", alice, `{}`, http.StatusUnprocessableEntity, model.ErrValidationError},
		{"foreign transition", alice, `{"transition_id":"nope"}`, http.StatusUnprocessableEntity, model.ErrInvalidTransition},
		{"not assigned", bob, `{"transition_id":"nope"}`, http.StatusForbidden, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.who, http.MethodPost, "/v1/targets/page/home/workflow/transitions", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestWorkflowAPI_idempotentStart(t *testing.T) {
	f := newAPIFixture(t)
	f.importReview()

	first := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", "", IdempotencyKeyHeader, "k-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d: %s", first.Code, first.Body)
	}
	replay := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", "", IdempotencyKeyHeader, "k-1")
	if replay.Code != http.StatusCreated {
		t.Errorf("replay status = %d, want 201", replay.Code)
	}
	if replay.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay header missing")
	}
	if !bytes.Equal(bytes.TrimSpace(first.Body.Bytes()), replay.Body.Bytes()) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body, replay.Body)
	}

	reused := f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", `{"definition_id":"other"}`, IdempotencyKeyHeader, "k-1")
	if reused.Code != http.StatusConflict || errorCode(t, reused) != model.ErrConflict {
		t.Errorf("reused key status = %d: %s", reused.Code, reused.Body)
	}
}

func TestWorkflowAPI_instanceRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.importReview()
	inst := decode[model.Instance](t, f.do(alice, http.MethodPost, "/v1/targets/page/home/workflow", ""))

	rec := f.do(alice, http.MethodPost, "/v1/workflows/"+inst.ID+"/comments", `{"text":"looks fine"}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("comment status = %d: %s", rec.Code, rec.Body)
	}

	rec = f.do(alice, http.MethodGet, "/v1/workflows/pending", "")
	pending := decode[struct {
		Data []model.InstanceSummary `json:"data"`
	}](t, rec)
	if len(pending.Data) != 1 || pending.Data[0].ID != inst.ID {
		t.Errorf("pending = %+v", pending.Data)
	}
	if rec := f.do(bob, http.MethodGet, "/v1/workflows/pending", ""); len(decode[struct {
		Data []model.InstanceSummary `json:"data"`
	}](t, rec).Data) != 0 {
		t.Error("bob sees pending work he is not assigned to")
	}

	if rec := f.do(bob, http.MethodPost, "/v1/workflows/"+inst.ID+"/cancel", `{"reason":"no"}`); rec.Code != http.StatusForbidden {
		t.Errorf("bob cancel status = %d, want 403", rec.Code)
	}
	rec = f.do(alice, http.MethodPost, "/v1/workflows/"+inst.ID+"/cancel", `{"reason":"obsolete"}`)
	if rec.Code != http.StatusOK || decode[model.Instance](t, rec).Status != model.InstanceStatusCancelled {
		t.Errorf("cancel = %d: %s", rec.Code, rec.Body)
	}
	rec = f.do(alice, http.MethodPost, "/v1/workflows/"+inst.ID+"/cancel", "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != model.ErrWorkflowNotActive {
		t.Errorf("second cancel = %d: %s", rec.Code, rec.Body)
	}
}

func TestDefinitionAPI(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"title":"Quick","actions":[
		{"id":"a1","title":"One","behavior":"simple","sort":0,"transitions":[{"id":"t1","next_action_id":"a2","title":"Go"}]},
		{"id":"a2","title":"Two","behavior":"simple","sort":1}
	]}`
	if rec := f.do(alice, http.MethodPost, "/v1/definitions", body); rec.Code != http.StatusForbidden {
		t.Errorf("editor create status = %d, want 403", rec.Code)
	}
	rec := f.do(root, http.MethodPost, "/v1/definitions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	def := decode[model.Definition](t, rec)

	if rec := f.do(alice, http.MethodGet, "/v1/definitions/"+def.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = f.do(root, http.MethodPost, "/v1/definitions/"+def.ID+"/actions", `{"id":"a3","title":"Three","behavior":"simple"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add action status = %d: %s", rec.Code, rec.Body)
	}
	rec = f.do(root, http.MethodPost, "/v1/definitions/"+def.ID+"/transitions", `{"action_id":"a2","next_action_id":"a3","title":"Finish"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add transition status = %d: %s", rec.Code, rec.Body)
	}
	rec = f.do(root, http.MethodPost, "/v1/definitions/"+def.ID+"/transitions", `{"action_id":"a3","next_action_id":"a3","title":"Loop"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("self loop status = %d, want 422: %s", rec.Code, rec.Body)
	}

	rec = f.do(root, http.MethodPut, "/v1/definitions/"+def.ID+"/actions/order", `{"ids":["a3","a1","a2"]}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reorder status = %d: %s", rec.Code, rec.Body)
	}
	got, err := f.defs.Get(context.Background(), def.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first := got.SortedActions()[0].ID; first != "a3" {
		t.Errorf("first action = %s, want a3", first)
	}

	rec = f.do(root, http.MethodGet, "/v1/definitions/"+def.ID+"/export?format=yaml", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "title: Quick") {
		t.Errorf("export = %d: %s", rec.Code, rec.Body)
	}

	rec = f.do(root, http.MethodDelete, "/v1/definitions/"+def.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(root, http.MethodGet, "/v1/definitions/"+def.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestDefinitionAPI_importErrors(t *testing.T) {
	f := newAPIFixture(t)

	if rec := f.do(root, http.MethodPost, "/v1/definitions/import", "steps: [oops"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed yaml status = %d, want 400", rec.Code)
	}
	rec := f.do(root, http.MethodPost, "/v1/definitions/import", "title: X\nsteps:\n  A:\n    behavior: simple\n    transitions:\n      Go: Nowhere\n")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("dangling step status = %d, want 422: %s", rec.Code, rec.Body)
	}
}

func TestBehaviorsAPI(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(bob, http.MethodGet, "/v1/behaviors", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := decode[struct {
		Data []behavior.Description `json:"data"`
	}](t, rec)
	names := map[string]bool{}
	for _, d := range list.Data {
		names[d.Name] = true
	}
	for _, want := range []string{"simple", "publish", "assign_users"} {
		if !names[want] {
			t.Errorf("behavior %q not listed", want)
		}
	}
}

func TestTargetDefinitionAPI(t *testing.T) {
	f := newAPIFixture(t)
	def := f.importReview()

	rec := f.do(alice, http.MethodGet, "/v1/targets/page/home/definition", "")
	if rec.Code != http.StatusOK || decode[model.Definition](t, rec).ID != def.ID {
		t.Errorf("get bound definition = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(alice, http.MethodPut, "/v1/targets/page/home/definition", `{"definition_id":"`+def.ID+`"}`); rec.Code != http.StatusForbidden {
		t.Errorf("editor bind status = %d, want 403", rec.Code)
	}
	if rec := f.do(root, http.MethodPut, "/v1/targets/page/home/definition", `{}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty bind status = %d, want 422", rec.Code)
	}
	if rec := f.do(root, http.MethodPut, "/v1/targets/page/home/definition", `{"definition_id":"ghost"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown definition bind status = %d, want 404", rec.Code)
	}
}

func TestTargetAPI(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"parent":{"kind":"page","id":"home"},"fields":{"status":"draft"},"viewers":["alice"]}`
	if rec := f.do(alice, http.MethodPut, "/v1/targets/page/about", body); rec.Code != http.StatusForbidden {
		t.Errorf("editor put status = %d, want 403", rec.Code)
	}
	rec := f.do(root, http.MethodPut, "/v1/targets/page/about", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(alice, http.MethodGet, "/v1/targets/page/about", ""); rec.Code != http.StatusOK {
		t.Errorf("viewer get status = %d", rec.Code)
	}
	if rec := f.do(bob, http.MethodGet, "/v1/targets/page/about", ""); rec.Code != http.StatusForbidden {
		t.Errorf("non-viewer get status = %d, want 403", rec.Code)
	}
	if rec := f.do(root, http.MethodPut, "/v1/targets/page/about", `{"parent":{"kind":"page","id":"about"}}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("self parent status = %d, want 422", rec.Code)
	}

	// The new page inherits the definition bound to its parent.
	def := f.importReview()
	rec = f.do(alice, http.MethodPost, "/v1/targets/page/about/workflow", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start on child status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[model.Instance](t, rec).DefinitionID; got != def.ID {
		t.Errorf("definition = %s, want inherited %s", got, def.ID)
	}
}
