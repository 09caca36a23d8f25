package cmds

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

func newTailCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "tail <session>",
		Short: "Print the mirrored events of a session",
		Long:  "Print the mirrored events of a session as JSON lines or YAML documents. Needs --redis-enabled, since the in-memory mirror only reaches its own process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTail(cmd.Context(), cmd.OutOrStdout(), args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json, yaml)")
	return cmd
}

func (a *app) runTail(ctx context.Context, w io.Writer, key, output string) error {
	write, err := eventWriter(w, output)
	if err != nil {
		return err
	}
	rs := a.settings.Redis
	if !rs.Enabled {
		return errors.New("tail needs the Redis mirror (--redis-enabled)")
	}
	if rs.Group != "" {
		if err := redisstream.EnsureGroupAtTail(ctx, rs.Addr, redisstream.TopicForSession(key), rs.Group); err != nil {
			return err
		}
	}
	ps, err := redisstream.BuildPubSub(rs, nil)
	if err != nil {
		return err
	}
	defer func() { _ = ps.Close() }()

	return redisstream.Tail(ctx, ps.Subscriber, key, write)
}

// eventWriter returns a function printing one event per JSON line or per
// YAML document.
func eventWriter(w io.Writer, output string) (func(redisstream.Event) error, error) {
	switch output {
	case "json", "":
		enc := json.NewEncoder(w)
		return func(ev redisstream.Event) error { return enc.Encode(ev) }, nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return func(ev redisstream.Event) error {
			// round trip through JSON so the document uses the wire field names
			b, err := json.Marshal(ev)
			if err != nil {
				return errors.Wrap(err, "encode event")
			}
			var doc map[string]any
			if err := json.Unmarshal(b, &doc); err != nil {
				return errors.Wrap(err, "decode event")
			}
			return enc.Encode(doc)
		}, nil
	default:
		return nil, errors.Errorf("unknown output format %q", output)
	}
}
