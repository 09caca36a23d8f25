package chatstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]MessageStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteMessageStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]MessageStore{
		"sqlite": sqliteStore,
		"memory": NewInMemoryMessageStore(0),
	}
}

func TestMessageStore_OrderingAndLimit(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// timestamps deliberately out of order; insertion order wins
			for i, ms := range []int64{300, 100, 200} {
				_, err := s.Append(ctx, MessageRecord{SessionID: "s1", Role: "user", Content: string(rune('a' + i)), CreatedAtMs: ms})
				require.NoError(t, err)
			}
			_, err := s.Append(ctx, MessageRecord{SessionID: "s2", Role: "user", Content: "other", CreatedAtMs: 50})
			require.NoError(t, err)

			all, err := s.List(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, "a", all[0].Content)
			require.Equal(t, "c", all[2].Content)
			require.Less(t, all[0].Seq, all[1].Seq)
			require.NotEmpty(t, all[0].ID)

			last2, err := s.List(ctx, "s1", 2)
			require.NoError(t, err)
			require.Equal(t, []string{"b", "c"}, []string{last2[0].Content, last2[1].Content})

			none, err := s.List(ctx, "missing", 0)
			require.NoError(t, err)
			require.Empty(t, none)

			sessions, err := s.ListSessions(ctx, 0)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			require.Equal(t, "s1", sessions[0].SessionID)
			require.Equal(t, 3, sessions[0].MessageCount)
			require.Equal(t, int64(100), sessions[0].CreatedAtMs)
			require.Equal(t, int64(300), sessions[0].LastActivityMs)
		})
	}
}

func TestMessageStore_ToolOutputAndValidation(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := s.Append(ctx, MessageRecord{
				ID:         "m1",
				SessionID:  "s1",
				Role:       "assistant",
				Content:    "found it",
				ToolOutput: json.RawMessage(`[{"type":"tool_call"}]`),
			})
			require.NoError(t, err)
			require.Positive(t, rec.CreatedAtMs)

			_, err = s.Append(ctx, MessageRecord{ID: "m1", SessionID: "s1", Role: "user"})
			require.Error(t, err)
			_, err = s.Append(ctx, MessageRecord{SessionID: " ", Role: "user"})
			require.Error(t, err)
			_, err = s.Append(ctx, MessageRecord{SessionID: "s1"})
			require.Error(t, err)

			got, err := s.List(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.JSONEq(t, `[{"type":"tool_call"}]`, string(got[0].ToolOutput))

			h := got[0].History()
			require.Equal(t, "m1", h.ID)
			require.Equal(t, rec.CreatedAtMs, h.Timestamp.UnixMilli())
		})
	}
}

func TestInMemoryMessageStore_TrimsOldest(t *testing.T) {
	s := NewInMemoryMessageStore(2)
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, MessageRecord{SessionID: "s1", Role: "user", Content: c})
		require.NoError(t, err)
	}
	got, err := s.List(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, []string{got[0].Content, got[1].Content})
}
