// ABOUTME: Tests for MockStore behaviour shared with SQLiteStore
// ABOUTME: Verifies copy semantics, filtering and injected save errors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	run := testRun("r", "p", RunStatusRunning, time.Now())
	require.NoError(t, m.SaveRun(ctx, run))

	run.Status = RunStatusCompleted
	got, err := m.GetRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, got.Status)

	got.Task = "mutated"
	again, err := m.GetRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "do r", again.Task)
}

func TestMockStore_ListRunsFilter(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, m.SaveRun(ctx, testRun("a", "p1", RunStatusCompleted, base)))
	require.NoError(t, m.SaveRun(ctx, testRun("b", "p1", RunStatusRunning, base.Add(time.Second))))
	require.NoError(t, m.SaveRun(ctx, testRun("c", "p2", RunStatusPaused, base.Add(2*time.Second))))

	runs, err := m.ListRuns(ctx, RunFilter{Statuses: []RunStatus{RunStatusRunning, RunStatusPaused}})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)

	n, err := m.MarkInterruptedRuns(ctx, "restart", base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMockStore_SaveErr(t *testing.T) {
	m := NewMockStore()
	m.SaveErr = errors.New("disk full")

	err := m.SaveRun(context.Background(), testRun("r", "p", RunStatusPending, time.Now()))
	assert.EqualError(t, err, "disk full")

	_, err = m.GetRun(context.Background(), "r")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_ContextNamespaces(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.SaveContextEntry(ctx, &ContextEntry{Namespace: "a", Key: "1", Value: "x", WrittenAt: time.Now()}))
	require.NoError(t, m.SaveContextEntry(ctx, &ContextEntry{Namespace: "b", Key: "1", Value: "y", WrittenAt: time.Now()}))

	require.NoError(t, m.DeleteContextNamespace(ctx, "a"))
	entries, err := m.ListContextEntries(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Namespace)
}

func TestContextEntryClone_CopiesNestedValues(t *testing.T) {
	type note struct{ Text string }
	orig := &ContextEntry{
		Namespace: "ns",
		Key:       "k",
		Value:     map[string]any{"nested": map[string]any{"n": 1}, "list": []string{"a"}, "note": &note{Text: "x"}},
		Metadata:  map[string]any{"tags": []any{"t"}},
	}

	c := orig.Clone()
	value := c.Value.(map[string]any)
	value["nested"].(map[string]any)["n"] = 2
	value["list"].([]string)[0] = "b"
	value["note"].(*note).Text = "y"
	c.Metadata["tags"].([]any)[0] = "u"

	origValue := orig.Value.(map[string]any)
	assert.Equal(t, 1, origValue["nested"].(map[string]any)["n"])
	assert.Equal(t, []string{"a"}, origValue["list"])
	assert.Equal(t, "x", origValue["note"].(*note).Text)
	assert.Equal(t, []any{"t"}, orig.Metadata["tags"])

	assert.Nil(t, (&ContextEntry{}).Clone().Value)
}
