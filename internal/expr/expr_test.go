package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndEvalBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`direction == "request" && text.contains("password")`)
	require.NoError(t, err)

	fired, err := program.EvalBool(map[string]any{
		"text":      "my password is hunter2",
		"direction": "request",
		"endpoint":  "/v1/chat",
		"agent_id":  "agent-7",
	})
	require.NoError(t, err)
	require.True(t, fired)

	fired, err = program.EvalBool(map[string]any{
		"text":      "nothing sensitive",
		"direction": "request",
		"endpoint":  "/v1/chat",
		"agent_id":  "agent-7",
	})
	require.NoError(t, err)
	require.False(t, fired)
}

func TestCompileRejectsNonBooleanExpression(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`text + "x"`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boolean")
}

func TestCompileRejectsUnknownVariable(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`payload == "x"`)
	require.Error(t, err)
}

func TestEvalBoolOnZeroProgram(t *testing.T) {
	var program Program
	_, err := program.EvalBool(map[string]any{})
	require.Error(t, err)
}
