package streamctl

import (
	"strings"

	"github.com/go-go-golems/chatsync/pkg/toolsteps"
)

// assembler accumulates one reply. It is owned by the run goroutine. Text and
// steps only grow; nothing is taken back before the commit.
type assembler struct {
	text  strings.Builder
	steps []toolsteps.Step
}

func (a *assembler) addText(delta string) {
	a.text.WriteString(delta)
}

// addStep appends s and returns the list to show as the active tool info.
func (a *assembler) addStep(s toolsteps.Step) []toolsteps.Step {
	a.steps = append(a.steps, s)
	return []toolsteps.Step{s}
}

func (a *assembler) Text() string {
	return a.text.String()
}

func (a *assembler) HasText() bool {
	return a.text.Len() > 0
}

// Steps returns a copy of every step received, in arrival order, or nil.
func (a *assembler) Steps() toolsteps.List {
	if len(a.steps) == 0 {
		return nil
	}
	return append(toolsteps.List(nil), a.steps...)
}
