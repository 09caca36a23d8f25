package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/chatsync/pkg/toolsteps"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) fn(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *recorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func TestStore_GetOrCreateKeepsFirstDefaults(t *testing.T) {
	s := NewStore()
	a := s.GetOrCreate("k", &Config{Model: "m1", Temperature: 0.1})
	b := s.GetOrCreate("k", &Config{Model: "m2", Temperature: 0.9})
	require.Same(t, a, b)
	require.Equal(t, "m1", b.Snapshot().Config.Model)

	c := s.GetOrCreate("other", nil)
	require.Equal(t, FallbackConfig, c.Snapshot().Config)
	require.Equal(t, []string{"k", "other"}, s.Keys())
}

func TestStore_ImmediateUpdateNotifiesSynchronously(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	unsub := s.Subscribe("k", rec.fn)
	defer unsub()

	require.True(t, s.Update("k", Patch{AppendMessages: []Message{{ID: "1", Role: RoleUser, Content: "hello"}}, IsLoading: Bool(true)}))
	require.Equal(t, 1, rec.count())
	st := rec.last()
	require.True(t, st.IsLoading)
	require.Len(t, st.Messages, 1)
	require.Equal(t, "hello", st.Messages[0].Content)
}

func TestStore_PreferenceUpdatesAreCoalesced(t *testing.T) {
	s := NewStore(WithDebounce(50 * time.Millisecond))
	rec := &recorder{}
	s.Subscribe("k", rec.fn)

	for _, v := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		s.Update("k", Patch{Temperature: Float(v)})
	}
	require.Zero(t, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	require.Equal(t, 0.5, rec.last().Config.Temperature)
}

func TestStore_ImmediateUpdateCarriesPendingPreference(t *testing.T) {
	s := NewStore(WithDebounce(50 * time.Millisecond))
	rec := &recorder{}
	s.Subscribe("k", rec.fn)

	s.Update("k", Patch{Model: String("gpt-x")})
	s.Update("k", Patch{Error: String("boom")})
	require.Equal(t, 1, rec.count())
	require.Equal(t, "gpt-x", rec.last().Config.Model)
	require.Equal(t, "boom", rec.last().Error)

	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, rec.count())
}

func TestStore_SilentFieldsDoNotNotify(t *testing.T) {
	s := NewStore()
	rec := &recorder{}
	s.Subscribe("k", rec.fn)

	s.Update("k", Patch{MessagesLoading: Bool(true), ActiveRun: String("r1")})
	require.Zero(t, rec.count())

	st, ok := s.Snapshot("k")
	require.True(t, ok)
	require.True(t, st.MessagesLoading)
	require.Equal(t, "r1", st.ActiveRun)
	require.Equal(t, uint64(1), st.Version)
}

func TestStore_NoOpPatchKeepsVersion(t *testing.T) {
	s := NewStore()
	s.Update("k", Patch{IsLoading: Bool(false), ActiveToolInfo: Steps(nil)})
	st, _ := s.Snapshot("k")
	require.Zero(t, st.Version)
}

func TestStore_WhenRejectsPatch(t *testing.T) {
	s := NewStore()
	s.Update("k", Patch{ActiveRun: String("r1")})

	ok := s.Update("k", Patch{
		When:      func(st State) bool { return st.ActiveRun == "r2" },
		IsLoading: Bool(true),
	})
	require.False(t, ok)
	st, _ := s.Snapshot("k")
	require.False(t, st.IsLoading)
}

func TestStore_RemoveDropsPendingNotification(t *testing.T) {
	s := NewStore(WithDebounce(30 * time.Millisecond))
	rec := &recorder{}
	sess := s.GetOrCreate("k", nil)
	sess.Subscribe(rec.fn)

	s.Update("k", Patch{WebSearchEnabled: Bool(true)})
	s.Remove("k")
	time.Sleep(80 * time.Millisecond)
	require.Zero(t, rec.count())

	_, ok := s.Lookup("k")
	require.False(t, ok)
	require.NotSame(t, sess, s.Get("k"))

	// the old handle still accepts writes but nobody hears them
	sess.Update(Patch{Error: String("late")})
	require.Zero(t, rec.count())
	require.Zero(t, sess.SubscriberCount())
}

func TestSession_UnsubscribeAndPanicRecovery(t *testing.T) {
	s := NewStore()
	var calls atomic.Int32
	s.Subscribe("k", func(State) { panic("bad surface") })
	unsub := s.Subscribe("k", func(State) { calls.Add(1) })

	s.Update("k", Patch{Error: String("x")})
	require.Equal(t, int32(1), calls.Load())

	unsub()
	unsub()
	s.Update("k", Patch{Error: String("y")})
	require.Equal(t, int32(1), calls.Load())
}

func TestSession_SnapshotsAreIsolated(t *testing.T) {
	s := NewStore()
	s.Update("k", Patch{AppendMessages: []Message{{ID: "1", Content: "a"}}})
	snap, _ := s.Snapshot("k")
	_ = append(snap.Messages, Message{ID: "evil"})

	s.Update("k", Patch{AppendMessages: []Message{{ID: "2", Content: "b"}}})
	after, _ := s.Snapshot("k")
	require.Len(t, after.Messages, 2)
	require.Equal(t, "2", after.Messages[1].ID)
	require.Len(t, snap.Messages, 1)
}

func TestSession_SnapshotElementsAreIsolated(t *testing.T) {
	s := NewStore()
	s.Update("k", Patch{
		AppendMessages: []Message{{ID: "1", Content: "a", ToolOutput: toolsteps.List{toolsteps.ToolCall{}}}},
		ActiveToolInfo: Steps([]toolsteps.Step{toolsteps.ToolCall{}}),
	})

	var seen State
	unsub := s.Subscribe("k", func(st State) {
		st.Messages[0].Content = "changed by a subscriber"
		seen = st
	})
	defer unsub()
	s.Update("k", Patch{Error: String("boom")})
	require.Equal(t, "changed by a subscriber", seen.Messages[0].Content)

	snap, _ := s.Snapshot("k")
	snap.Messages[0].ToolOutput[0] = toolsteps.WebSearchCall{Query: "x"}
	snap.ActiveToolInfo[0] = toolsteps.WebSearchCall{Query: "y"}

	after, _ := s.Snapshot("k")
	require.Equal(t, "a", after.Messages[0].Content)
	require.Equal(t, toolsteps.KindToolCall, after.Messages[0].ToolOutput[0].Kind())
	require.Equal(t, toolsteps.KindToolCall, after.ActiveToolInfo[0].Kind())
}

func TestPatch_PrependKeepsLocalMessagesAfterHistory(t *testing.T) {
	st := State{Messages: []Message{{ID: "local", Role: RoleUser, Content: "now"}}}
	class := Patch{PrependMessages: []Message{
		{ID: "h1", Role: RoleUser, Content: "before"},
		{ID: "h2", Role: RoleAssistant, Content: "reply"},
	}}.apply(&st)
	require.Equal(t, changeImmediate, class)
	require.Equal(t, []string{"h1", "h2", "local"}, ids(st.Messages))
}

func TestWithoutOverlap(t *testing.T) {
	older := []Message{
		{ID: "s1", Role: RoleUser, Content: "hi"},
		{ID: "s2", Role: RoleAssistant, Content: "hello"},
		{ID: "s3", Role: RoleUser, Content: "again"},
		{ID: "s4", Role: RoleAssistant, Content: "sure"},
	}

	// the local send finished on the server before the fetch returned
	local := []Message{
		{ID: "l1", Role: RoleUser, Content: "again"},
		{ID: "l2", Role: RoleAssistant, Content: "sure"},
	}
	require.Equal(t, []string{"s1", "s2"}, ids(WithoutOverlap(older, local)))

	// only the user turn reached the server
	require.Equal(t, []string{"s1", "s2"}, ids(WithoutOverlap(older[:3], []Message{{ID: "l1", Role: RoleUser, Content: "again"}, {ID: "l2", Role: RoleAssistant, Content: "streaming"}})))
	require.Equal(t, []string{"s1", "s2"}, ids(WithoutOverlap(older[:3], []Message{{ID: "l1", Role: RoleUser, Content: "again"}})))

	// an earlier identical message is not a duplicate
	require.Equal(t, []string{"s1", "s2", "s3", "s4"}, ids(WithoutOverlap(older, []Message{{ID: "l1", Role: RoleUser, Content: "hi"}})))

	// matching ids are dropped wherever they are
	require.Equal(t, []string{"s1", "s3", "s4"}, ids(WithoutOverlap(older, []Message{{ID: "s2", Role: RoleAssistant, Content: "edited"}})))

	require.Equal(t, older, WithoutOverlap(older, nil))
	require.Empty(t, WithoutOverlap(nil, local))

	st := State{Messages: local}
	require.Equal(t, changeNone, Patch{PrependMessages: older[2:]}.apply(&st))
	require.Equal(t, []string{"l1", "l2"}, ids(st.Messages))
}

func TestPatch_ActiveToolInfoReplaces(t *testing.T) {
	st := State{}
	Patch{ActiveToolInfo: Steps([]toolsteps.Step{toolsteps.ToolCall{}})}.apply(&st)
	require.Len(t, st.ActiveToolInfo, 1)
	class := Patch{ActiveToolInfo: Steps(nil)}.apply(&st)
	require.Equal(t, changeImmediate, class)
	require.Nil(t, st.ActiveToolInfo)
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
