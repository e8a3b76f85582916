package definition

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/advflow/model"
)

func loadReview(t *testing.T) model.Template {
	t.Helper()
	data, err := os.ReadFile("testdata/review.yaml")
	require.NoError(t, err)
	tpl, err := ParseTemplate(data)
	require.NoError(t, err)
	return tpl
}

func TestParseTemplate_keepsOrder(t *testing.T) {
	tpl := loadReview(t)

	require.Len(t, tpl.Steps, 4)
	assert.Equal(t, []string{"Submit", "Legal review", "Publish", "Rejected"},
		[]string{tpl.Steps[0].Name, tpl.Steps[1].Name, tpl.Steps[2].Name, tpl.Steps[3].Name})

	submit := tpl.Steps[0]
	require.Len(t, submit.Transitions, 3)
	assert.Equal(t, "Approve", submit.Transitions[0].Name)
	assert.Equal(t, "Publish", submit.Transitions[0].Target)
	assert.Equal(t, "Legal review", submit.Transitions[1].Target)
	assert.Equal(t, []string{"editors"}, submit.Transitions[1].RestrictGroups)
	assert.Equal(t, model.EditingAssignees, submit.AllowEditing)
	assert.True(t, submit.AllowCommenting)
}

func TestParseTemplate_rejectsListSteps(t *testing.T) {
	data, err := os.ReadFile("testdata/broken.yaml")
	require.NoError(t, err)
	_, err = ParseTemplate(data)
	assert.Error(t, err)
}

func TestMaterialize_twoPass(t *testing.T) {
	def, err := Materialize(loadReview(t))
	require.NoError(t, err)

	require.Len(t, def.Actions, 4)
	assert.Equal(t, 5, def.TransitionCount())
	assert.Equal(t, "Submit", def.InitialAction().Title)

	ids := map[string]string{}
	for _, a := range def.Actions {
		ids[a.Title] = a.ID
		assert.Equal(t, def.ID, a.DefinitionID)
	}
	submit := def.Action(ids["Submit"])
	assert.Equal(t, ids["Publish"], submit.Transitions[0].NextActionID)
	assert.Equal(t, ids["Legal review"], submit.Transitions[1].NextActionID)
	assert.Equal(t, ids["Rejected"], submit.Transitions[2].NextActionID)
	for _, tr := range submit.Transitions {
		assert.Equal(t, submit.ID, tr.ActionID)
	}

	report := NewValidator(nil).Validate(def)
	assert.True(t, report.Valid(), "%v", report.Errors)
	assert.Empty(t, report.Warnings)
}

func TestMaterialize_unknownTarget(t *testing.T) {
	tpl := model.Template{
		Title: "Dangling",
		Steps: model.StepList{
			{Name: "A", Behavior: "simple", Transitions: model.TransitionList{{Name: "go", Target: "Nowhere"}}},
		},
	}
	_, err := Materialize(tpl)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestMaterialize_duplicateStep(t *testing.T) {
	tpl := model.Template{
		Title: "Dup",
		Steps: model.StepList{{Name: "A", Behavior: "simple"}, {Name: "A", Behavior: "simple"}},
	}
	_, err := Materialize(tpl)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestExport_roundTrip(t *testing.T) {
	tpl := loadReview(t)
	def, err := Materialize(tpl)
	require.NoError(t, err)

	exported := Export(def)
	if diff := cmp.Diff(tpl, exported); diff != "" {
		t.Errorf("Export(Materialize(tpl)) mismatch (-want +got):\n%s", diff)
	}

	out, err := RenderTemplate(exported)
	require.NoError(t, err)
	again, err := ParseTemplate(out)
	require.NoError(t, err)
	if diff := cmp.Diff(tpl, again); diff != "" {
		t.Errorf("rendered template mismatch (-want +got):\n%s", diff)
	}
}

func TestLoader_LoadAll(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile("testdata/review.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir+"/review.yml", data, 0o600))
	require.NoError(t, os.WriteFile(dir+"/untitled.yaml", []byte("steps:\n  Only:\n    behavior: simple\n"), 0o600))
	require.NoError(t, os.WriteFile(dir+"/README.md", []byte("skip"), 0o600))

	loaded, err := NewLoader().LoadAll([]string{dir})
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	catalog := NewCatalog(loaded)
	assert.Equal(t, 2, catalog.Len())
	review, ok := catalog.Get("Content review")
	require.True(t, ok)
	assert.Len(t, review.Checksum, 64)
	_, ok = catalog.Get("untitled")
	assert.True(t, ok, "title falls back to the file name")
	assert.NotEmpty(t, catalog.Checksum())
}

func TestLoader_LoadAll_brokenFile(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{"testdata"})
	assert.Error(t, err)
}

func TestCatalog_Replace(t *testing.T) {
	c := NewCatalog(nil)
	before := c.Checksum()
	c.Replace([]LoadedTemplate{{Template: model.Template{Title: "B"}, Checksum: "2"}, {Template: model.Template{Title: "A"}, Checksum: "1"}})
	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Template.Title)
	assert.NotEqual(t, before, c.Checksum())
}
