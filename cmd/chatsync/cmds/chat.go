package cmds

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/ui"
)

func newChatCommand(a *app) *cobra.Command {
	var withWS bool
	cmd := &cobra.Command{
		Use:   "chat <session>",
		Short: "Chat in a session from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd.Context(), args[0], withWS)
		},
	}
	cmd.Flags().BoolVar(&withWS, "with-ws", false, "also serve the websocket surface so browsers can join the session")
	return cmd
}

func (a *app) runChat(ctx context.Context, key string, withWS bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg, err := a.registry(ctx, nil, true)
	if err != nil {
		return err
	}
	defaults := a.settings.SessionDefaults()
	b := reg.BindingFor(key, &defaults)
	defer b.Close()

	eg, egCtx := errgroup.WithContext(ctx)
	if withWS {
		if err := a.serveWebsocket(egCtx, eg, reg); err != nil {
			return err
		}
	} else {
		defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()
	}
	eg.Go(func() error {
		// leaving the terminal stops everything else
		defer cancel()
		return ui.Run(egCtx, b)
	})
	return eg.Wait()
}
