package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "user_id IS NOT NULL", want: "user_id != nil"},
		{in: "user_id is null", want: "user_id == nil"},
		{in: "a = 1 AND b <> 'x'", want: "a == 1 && b != 'x'"},
		{in: "a >= 1 OR b <= 2", want: "a >= 1 || b <= 2"},
		{in: "status = 'NOT NULL AND = x'", want: "status == 'NOT NULL AND = x'"},
		{in: "a == 1 && b != nil", want: "a == 1 && b != nil"},
		{in: "status NOT IN ('a', 'b')", want: "status not in ['a', 'b']"},
		{in: "level IN ('free','paid') AND NOT deleted", want: "level in ['free','paid'] && ! deleted"},
		{in: "status IN ('(x)') OR f(a) > 1", want: "status in ['(x)'] || f(a) > 1"},
		{in: "name LIKE 'A%'", want: `name matches "^A.*$"`},
		{in: "name NOT LIKE 'a_c.%'", want: `name not matches "^a.c\\..*$"`},
		{in: "name matches '^A'", want: "name matches '^A'"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Translate(tt.in))
		})
	}
}

func TestPredicate_Eval(t *testing.T) {
	t.Parallel()

	notNull, err := Compile("rule 1", "user_id IS NOT NULL")
	require.NoError(t, err)

	ok, err := notNull.Eval(map[string]any{"user_id": int64(1)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = notNull.Eval(map[string]any{"user_id": nil})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = notNull.Eval(map[string]any{"other": "x"})
	require.NoError(t, err)
	assert.False(t, ok, "a missing column is treated as null")

	positive, err := Compile("positive_duration", "duration > 0 AND country = 'SE'")
	require.NoError(t, err)

	ok, err = positive.Eval(map[string]any{"duration": int64(180), "country": "SE"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = positive.Eval(map[string]any{"duration": int64(0), "country": "SE"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPredicate_EvalSQLListsAndPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		expression string
		fields     map[string]any
		want       bool
	}{
		{name: "not in excludes listed", expression: "status NOT IN ('a', 'b')", fields: map[string]any{"status": "a"}, want: false},
		{name: "not in keeps others", expression: "status NOT IN ('a', 'b')", fields: map[string]any{"status": "c"}, want: true},
		{name: "in with numbers", expression: "id IN (1, 2) AND NOT deleted", fields: map[string]any{"id": int64(2), "deleted": false}, want: true},
		{name: "like prefix", expression: "name LIKE 'Al%'", fields: map[string]any{"name": "Alice"}, want: true},
		{name: "like single character", expression: "code LIKE 'A_1'", fields: map[string]any{"code": "AB12"}, want: false},
		{name: "not like", expression: "email NOT LIKE '%@test.com'", fields: map[string]any{"email": "a@example.com"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := Compile(tt.name, tt.expression)
			require.NoError(t, err)

			ok, err := p.Eval(tt.fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	t.Parallel()

	_, err := Compile("empty", "  ")
	require.Error(t, err)

	_, err = Compile("broken", "a ==")
	require.Error(t, err)

	_, err = CompileAll([]Expectation{
		{Name: "dup", Expression: "a != nil"},
		{Name: "dup", Expression: "b != nil"},
	})
	require.ErrorContains(t, err, "duplicate expectation name 'dup'")

	_, err = CompileAll([]Expectation{{Expression: "a != nil"}})
	require.Error(t, err)
}

func TestCheck(t *testing.T) {
	t.Parallel()

	predicates, err := CompileAll([]Expectation{
		{Name: "key_present", Expression: "user_id IS NOT NULL"},
		{Name: "name_present", Expression: "name IS NOT NULL"},
	})
	require.NoError(t, err)

	v := Check(predicates, map[string]any{"user_id": int64(1), "name": "a"})
	assert.True(t, v.Passed)

	v = Check(predicates, map[string]any{"user_id": int64(1)})
	assert.False(t, v.Passed)
	assert.Equal(t, "name_present", v.Failed)

	v = Check(predicates, map[string]any{"name": "a"})
	assert.Equal(t, "key_present", v.Failed)
}
