package cmds

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
)

// rowSink is the part of the glaze processor the commands write to.
type rowSink interface {
	AddRow(ctx context.Context, row types.Row) error
}

type HistoryCommand struct {
	*cmds.CommandDescription
	app *app
}

type HistorySettings struct {
	Session   string `glazed:"session"`
	ToolSteps bool   `glazed:"tool-steps"`
}

func NewHistoryCommand(a *app) (*HistoryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Fetch and print the stored conversation of a session"),
		cmds.WithLong("Fetch the stored conversation of a session from the backend. One row per message, or one row per tool step with --tool-steps."),
		cmds.WithFlags(
			fields.New(
				"tool-steps",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Emit one row per tool step instead of one row per message"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"session",
				fields.TypeString,
				fields.WithHelp("Session key"),
				fields.WithRequired(true),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &HistoryCommand{CommandDescription: desc, app: a}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	client, err := c.app.client()
	if err != nil {
		return err
	}
	records, err := client.FetchHistory(ctx, s.Session)
	if err != nil {
		return err
	}
	msgs := history.Convert(records)
	if s.ToolSteps {
		return addToolStepRows(ctx, gp, msgs)
	}
	return addMessageRows(ctx, gp, msgs)
}

var _ cmds.GlazeCommand = &HistoryCommand{}

func addMessageRows(ctx context.Context, sink rowSink, msgs []session.Message) error {
	for _, m := range msgs {
		kinds := make([]string, 0, len(m.ToolOutput))
		for _, step := range m.ToolOutput {
			kinds = append(kinds, string(step.Kind()))
		}
		row := types.NewRow(
			types.MRP("id", m.ID),
			types.MRP("role", string(m.Role)),
			types.MRP("timestamp", formatTime(m.Timestamp)),
			types.MRP("content", m.Content),
			types.MRP("tools", strings.Join(kinds, ",")),
		)
		if err := sink.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// addToolStepRows flattens the top-level fields of every tool step into a
// row next to the message id.
func addToolStepRows(ctx context.Context, sink rowSink, msgs []session.Message) error {
	for _, m := range msgs {
		for i, step := range m.ToolOutput {
			b, err := json.Marshal(step)
			if err != nil {
				return errors.Wrap(err, "encode tool step")
			}
			var payload map[string]any
			if err := json.Unmarshal(b, &payload); err != nil {
				return errors.Wrap(err, "decode tool step")
			}
			row := types.NewRow(
				types.MRP("message_id", m.ID),
				types.MRP("index", i),
				types.MRP("kind", string(step.Kind())),
			)
			keys := make([]string, 0, len(payload))
			for k := range payload {
				if k != "type" {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				row.Set(k, payload[k])
			}
			if err := sink.AddRow(ctx, row); err != nil {
				return err
			}
		}
	}
	return nil
}

type SessionsCommand struct {
	*cmds.CommandDescription
	app *app
}

type SessionsSettings struct {
	Limit int `glazed:"limit"`
}

func NewSessionsCommand(a *app) (*SessionsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"sessions",
		cmds.WithShort("List the sessions stored by the backend"),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(100),
				fields.WithHelp("Limit number of sessions (0 = backend default)"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &SessionsCommand{CommandDescription: desc, app: a}, nil
}

func (c *SessionsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &SessionsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	client, err := c.app.client()
	if err != nil {
		return err
	}
	sessions, err := client.ListSessions(ctx, s.Limit)
	if err != nil {
		return err
	}
	return addSessionRows(ctx, gp, sessions)
}

var _ cmds.GlazeCommand = &SessionsCommand{}

func addSessionRows(ctx context.Context, sink rowSink, sessions []protocol.SessionSummary) error {
	for _, s := range sessions {
		row := types.NewRow(
			types.MRP("session_id", s.SessionID),
			types.MRP("message_count", s.MessageCount),
			types.MRP("created_at", formatTime(time.UnixMilli(s.CreatedAtMs))),
			types.MRP("last_activity", formatTime(time.UnixMilli(s.LastActivityMs))),
		)
		if err := sink.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.UnixMilli() == 0 {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
