package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Invoke", ErrToolNotFound, "tool 'foo'")
	want := "Registry.Invoke: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Engine.Invoke", ErrCheckpointStore, "")
	want := "Engine.Invoke: checkpoint store failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("LLM.Chat", ErrProviderNotFound, "groq")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "LLM.Chat" {
		t.Errorf("Op = %q, want %q", de.Op, "LLM.Chat")
	}
	assert.Equal(t, CodeProviderNotFound, de.Code())
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("Store.Save", ErrCheckpointStore)
	assert.ErrorIs(t, err, ErrCheckpointStore)
	assert.Equal(t, "Store.Save: checkpoint store failed", err.Error())
}

func TestThreadLockedError(t *testing.T) {
	var err error = NewThreadLockedError("t-1")
	require.ErrorIs(t, err, ErrThreadLocked)

	wrapped := fmt.Errorf("invoke: %w", err)
	var tle *ThreadLockedError
	require.ErrorAs(t, wrapped, &tle)
	assert.Equal(t, "t-1", tle.ThreadID)
	assert.Equal(t, CodeThreadLocked, ErrorCodeOf(wrapped))
}

func TestCancelled(t *testing.T) {
	err := Cancelled("Engine.act", context.Canceled)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancellation(err))
	assert.True(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(ErrRateLimit))
	assert.Equal(t, CodeCancelled, ErrorCodeOf(err))
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeThreadNotFound, ErrorCodeOf(ErrThreadNotFound))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeUnmatchedCall, ErrorCodeOf(ErrUnmatchedToolCall))
}

func TestErrorCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("ValidateAppend", ErrPendingToolCalls, "x"))
	assert.Equal(t, CodePendingCalls, ErrorCodeOf(err))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("plain")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestErrorCodeOf_SpecificWinsOverGeneric(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrProviderError, ErrRateLimit)
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(err))
}

func TestEveryCodeIsMapped(t *testing.T) {
	seen := make(map[ErrorCode]bool)
	for sentinel, code := range errorCodeMap {
		assert.Equal(t, code, ErrorCodeOf(sentinel))
		assert.False(t, seen[code], "code %s mapped twice", code)
		seen[code] = true
	}
}
