package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExecutionHistory_Ring tests the finished-task ring buffer
// Main test items:
// 1. Recent returns newest first
// 2. Old records are overwritten once capacity is reached
// 3. Last returns the newest record
func TestExecutionHistory_Ring(t *testing.T) {
	h := newExecutionHistory(3)

	_, ok := h.Last()
	assert.False(t, ok)
	assert.Nil(t, h.Recent(10))

	for _, name := range []string{"a", "b", "c", "d"} {
		h.Add(TaskExecutionRecord{Name: name})
	}

	var names []string
	for _, rec := range h.Recent(0) {
		names = append(names, rec.Name)
	}
	assert.Equal(t, []string{"d", "c", "b"}, names)
	assert.Len(t, h.Recent(2), 2)

	last, ok := h.Last()
	assert.True(t, ok)
	assert.Equal(t, "d", last.Name)
}

func namedTaskBody(ctx context.Context) error { return nil }

// TestResolveTaskName tests task labels for logs and history.
func TestResolveTaskName(t *testing.T) {
	assert.Equal(t, "explicit", resolveTaskName(namedTaskBody, "explicit"))
	assert.True(t, strings.HasSuffix(resolveTaskName(namedTaskBody, ""), "core.namedTaskBody"))
	assert.Equal(t, "anonymous", resolveTaskName(nil, ""))
	assert.Equal(t, "anonymous", resolveTaskName(TaskFunc(nil), ""))
	assert.Equal(t, "anonymous", resolveTaskName(42, ""))
}
