package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewError tests the basic creation of errors.
func TestNewError(t *testing.T) {
	tests := []struct {
		name    string
		code    ErrorCode
		message string
	}{
		{
			name:    "PatchApplyError",
			code:    PatchApplyError,
			message: "search text is ambiguous",
		},
		{
			name:    "EvaluatorTimeout",
			code:    EvaluatorTimeout,
			message: "evaluator exceeded wall clock limit",
		},
		{
			name:    "PromptTooLarge",
			code:    PromptTooLarge,
			message: "current code exceeds token budget",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)

			customErr, ok := err.(*Error)

			assert.True(t, ok, "should be a custom *Error")
			assert.Equal(t, tt.code, customErr.Code())
			assert.Equal(t, tt.message, customErr.Error())
			assert.Nil(t, customErr.Unwrap())
		})
	}
}

func TestWrapError(t *testing.T) {
	originalErr := stderrors.New("sqlite: constraint violation")

	err := Wrap(originalErr, StoreError, "failed to insert candidate")
	require.Error(t, err)

	customErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, StoreError, customErr.Code())
	assert.Equal(t, originalErr, customErr.Unwrap())
	assert.Contains(t, err.Error(), "failed to insert candidate")
	assert.Contains(t, err.Error(), "constraint violation")

	assert.Nil(t, Wrap(nil, StoreError, "no-op"))
}

func TestWithFields(t *testing.T) {
	err := New(PatchApplyError, "block not found")
	err = WithFields(err, Fields{"block": "main_loop", "cand_id": "abc"})

	customErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, PatchApplyError, customErr.Code())
	assert.Equal(t, "main_loop", customErr.Fields()["block"])
	assert.Equal(t, "abc", customErr.Fields()["cand_id"])

	// Fields on a plain error produce an Unknown-coded wrapper.
	plain := WithFields(stderrors.New("boom"), Fields{"k": 1})
	plainErr, ok := plain.(*Error)
	require.True(t, ok)
	assert.Equal(t, Unknown, plainErr.Code())
}

func TestErrorIs(t *testing.T) {
	err := New(LLMTimeout, "llm call timed out")
	assert.True(t, stderrors.Is(err, New(LLMTimeout, "other message")))
	assert.False(t, stderrors.Is(err, New(LLMError, "llm call timed out")))
}

func TestCodeAndIsFatal(t *testing.T) {
	assert.Equal(t, PatchRevertError, Code(New(PatchRevertError, "revert failed")))
	assert.Equal(t, Unknown, Code(stderrors.New("plain")))

	assert.True(t, IsFatal(New(StoreError, "integrity")))
	assert.True(t, IsFatal(New(PatchRevertError, "revert")))
	assert.False(t, IsFatal(New(PatchApplyError, "apply")))
	assert.False(t, IsFatal(nil))
}

func TestCheckContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, CheckContext(ctx, "evolve"))

	cancel()
	err := CheckContext(ctx, "evolve")
	require.Error(t, err)
	assert.Equal(t, Canceled, Code(err))
}
