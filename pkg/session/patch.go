package session

import (
	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

// Patch is a partial update. Nil fields are left untouched. The append and
// prepend fields are applied atomically against the current state, after the
// replacing fields.
type Patch struct {
	// When, if set, is evaluated against the current state under the session
	// lock; the patch is discarded when it returns false.
	When func(State) bool

	Messages        *[]Message
	PrependMessages []Message
	AppendMessages  []Message

	IsLoading          *bool
	Error              *string
	StreamedText       *string
	AppendStreamedText string
	ActiveToolInfo     *[]toolsteps.Step
	ActiveRun          *string

	Model            *string
	Temperature      *float64
	WebSearchEnabled *bool

	MessagesLoaded  *bool
	MessagesLoading *bool
	RemoteID        *string
}

type changeClass int

const (
	changeNone changeClass = iota
	// changeSilent covers bookkeeping fields nobody renders.
	changeSilent
	changeDebounced
	changeImmediate
)

func (c changeClass) String() string {
	switch c {
	case changeSilent:
		return "silent"
	case changeDebounced:
		return "debounced"
	case changeImmediate:
		return "immediate"
	default:
		return "none"
	}
}

func maxClass(a, b changeClass) changeClass {
	if a > b {
		return a
	}
	return b
}

// apply merges p into st and reports the strongest notification class the
// effective changes require.
func (p Patch) apply(st *State) changeClass {
	class := changeNone

	if p.Messages != nil {
		st.Messages = append([]Message(nil), (*p.Messages)...)
		class = changeImmediate
	}
	if prepend := WithoutOverlap(p.PrependMessages, st.Messages); len(prepend) > 0 {
		merged := make([]Message, 0, len(prepend)+len(st.Messages))
		merged = append(merged, prepend...)
		st.Messages = append(merged, st.Messages...)
		class = changeImmediate
	}
	if len(p.AppendMessages) > 0 {
		st.Messages = append(st.Messages, p.AppendMessages...)
		class = changeImmediate
	}

	if p.IsLoading != nil && *p.IsLoading != st.IsLoading {
		st.IsLoading = *p.IsLoading
		class = changeImmediate
	}
	if p.Error != nil && *p.Error != st.Error {
		st.Error = *p.Error
		class = changeImmediate
	}
	if p.StreamedText != nil && *p.StreamedText != st.StreamedText {
		st.StreamedText = *p.StreamedText
		class = changeImmediate
	}
	if p.AppendStreamedText != "" {
		st.StreamedText += p.AppendStreamedText
		class = changeImmediate
	}
	if p.ActiveToolInfo != nil {
		next := *p.ActiveToolInfo
		if len(next) != 0 || len(st.ActiveToolInfo) != 0 {
			if len(next) == 0 {
				st.ActiveToolInfo = nil
			} else {
				st.ActiveToolInfo = append(toolsteps.List(nil), next...)
			}
			class = changeImmediate
		}
	}
	if p.ActiveRun != nil && *p.ActiveRun != st.ActiveRun {
		st.ActiveRun = *p.ActiveRun
		class = maxClass(class, changeSilent)
	}

	if p.Model != nil && *p.Model != st.Config.Model {
		st.Config.Model = *p.Model
		class = maxClass(class, changeDebounced)
	}
	if p.Temperature != nil && *p.Temperature != st.Config.Temperature {
		st.Config.Temperature = *p.Temperature
		class = maxClass(class, changeDebounced)
	}
	if p.WebSearchEnabled != nil && *p.WebSearchEnabled != st.Config.WebSearchEnabled {
		st.Config.WebSearchEnabled = *p.WebSearchEnabled
		class = maxClass(class, changeDebounced)
	}

	if p.MessagesLoaded != nil && *p.MessagesLoaded != st.MessagesLoaded {
		st.MessagesLoaded = *p.MessagesLoaded
		class = maxClass(class, changeSilent)
	}
	if p.MessagesLoading != nil && *p.MessagesLoading != st.MessagesLoading {
		st.MessagesLoading = *p.MessagesLoading
		class = maxClass(class, changeSilent)
	}
	if p.RemoteID != nil && *p.RemoteID != st.RemoteID {
		st.RemoteID = *p.RemoteID
		class = maxClass(class, changeSilent)
	}
	return class
}

// WithoutOverlap returns the part of older that is not already in current. A
// message whose ID is in current is dropped, and so is a trailing run of older
// that repeats the start of current by ID or by role and content; that run is a
// reply which reached the backend before older was fetched.
func WithoutOverlap(older, current []Message) []Message {
	if len(older) == 0 || len(current) == 0 {
		return older
	}
	same := func(a, b Message) bool {
		return (a.ID != "" && a.ID == b.ID) || (a.Role == b.Role && a.Content == b.Content)
	}
	cut := len(older)
	for k := min(len(older), len(current)); k > 0; k-- {
		tail := older[len(older)-k:]
		match := true
		for i := range tail {
			if !same(tail[i], current[i]) {
				match = false
				break
			}
		}
		if match {
			cut = len(older) - k
			break
		}
	}

	ids := make(map[string]struct{}, len(current))
	for _, m := range current {
		if m.ID != "" {
			ids[m.ID] = struct{}{}
		}
	}
	out := make([]Message, 0, cut)
	for _, m := range older[:cut] {
		if _, dup := ids[m.ID]; dup && m.ID != "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func Bool(v bool) *bool                          { return &v }
func String(v string) *string                    { return &v }
func Float(v float64) *float64                   { return &v }
func Messages(v []Message) *[]Message            { return &v }
func Steps(v []toolsteps.Step) *[]toolsteps.Step { return &v }
