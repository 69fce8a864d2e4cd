package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndEvaluateRequestPredicates(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	activation := map[string]any{
		"request": map[string]any{
			"method":  "GET",
			"path":    "/api/links",
			"ext":     "",
			"headers": map[string]any{"accept": "application/json"},
		},
	}

	tests := []struct {
		expression string
		want       bool
	}{
		{expression: `request.path.startsWith("/api/")`, want: true},
		{expression: `request.ext in [".css", ".js"]`, want: false},
		{expression: `lookup(request.headers, "accept") == "application/json"`, want: true},
		{expression: `lookup(request.headers, "missing") == "x"`, want: false},
		{expression: `request.method == "GET" && request.path.endsWith("/links")`, want: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.expression, func(t *testing.T) {
			program, err := env.Compile(tc.expression)
			require.NoError(t, err)
			got, err := program.EvalBool(activation)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`1 + 2`)
	require.Error(t, err)

	_, err = env.Compile(`   `)
	require.Error(t, err)

	_, err = env.Compile(`request.path.startsWith(`)
	require.Error(t, err)
}

func TestEvalBoolRejectsDynamicNonBoolean(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`request.path`)
	require.NoError(t, err)

	_, err = program.EvalBool(map[string]any{"request": map[string]any{"path": "/"}})
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

func TestUninitializedProgram(t *testing.T) {
	_, err := Program{}.EvalBool(nil)
	require.Error(t, err)
}
