package expression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func testEnv() Env {
	fields := map[string]any{
		"title":      "Quarterly report",
		"priority":   int64(3),
		"publish_on": "2024-03-20T00:00:00Z",
	}
	return Env{
		Now: func() time.Time { return fixedNow },
		Field: func(name string) (any, bool) {
			v, ok := fields[name]
			return v, ok
		},
		State: map[string]any{
			"review": map[string]any{"outcome": "approved"},
			"score":  float64(7.5),
		},
	}
}

func TestEval_dateHelpers(t *testing.T) {
	env := testEnv()

	v, err := Eval("now", env)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, v)

	v, err = Eval("today", env)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), v)

	v, err = Eval("offsetDays(7)", env)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.AddDate(0, 0, 7), v)

	v, err = Eval("offsetDays(-1)", env)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.AddDate(0, 0, -1), v)

	v, err = Eval("offsetHours(2)", env)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(2*time.Hour), v)
}

func TestEval_literals(t *testing.T) {
	env := testEnv()

	v, err := Eval("'hello'", env)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = Eval(`"double"`, env)
	require.NoError(t, err)
	assert.Equal(t, "double", v)

	v, err = Eval("42", env)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = Eval("-1.5", env)
	require.NoError(t, err)
	assert.Equal(t, -1.5, v)

	v, err = Eval("null", env)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEval_fieldAndStateReads(t *testing.T) {
	env := testEnv()

	v, err := Eval("field.title", env)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", v)

	v, err = Eval("state.review.outcome", env)
	require.NoError(t, err)
	assert.Equal(t, "approved", v)

	v, err = Eval("field.missing", env)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEval_unknownIdentifierRejected(t *testing.T) {
	for _, expr := range []string{"os.Exit", "time", "field", "offsetWeeks(1)", "exec('rm')"} {
		_, err := Eval(expr, testEnv())
		assert.Error(t, err, expr)
	}
}

func TestEval_syntaxErrors(t *testing.T) {
	for _, expr := range []string{"", "'open", "(true", "offsetDays(x)", "offsetDays(1", "1 == ", "true true", "a $ b"} {
		_, err := Eval(expr, testEnv())
		assert.Error(t, err, expr)
	}
}

func TestEvalBool_comparisons(t *testing.T) {
	env := testEnv()
	cases := map[string]bool{
		"state.review.outcome == 'approved'":       true,
		"state.review.outcome != 'approved'":       false,
		"field.priority > 2":                       true,
		"field.priority <= 2":                      false,
		"state.score >= 7.5":                       true,
		"field.priority == '3'":                    true,
		"field.publish_on > now":                   true,
		"field.publish_on < offsetDays(3)":         false,
		"field.missing == null":                    true,
		"'abc' < 'abd'":                            true,
		"true && !false":                           true,
		"false || field.priority == 3":             true,
		"!(field.priority > 1 && state.score > 9)": true,
		"field.title":                              true,
		"field.missing":                            false,
	}
	for expr, want := range cases {
		got, err := EvalBool(expr, env)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestEvalBool_emptyGuardIsTrue(t *testing.T) {
	ok, err := EvalBool("  ", Env{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalBool_unorderableOperands(t *testing.T) {
	_, err := EvalBool("true < 1", testEnv())
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check("field.status == 'ready' && state.x > offsetDays(1)"))
	assert.Error(t, Check("status == 'ready'"))
}
