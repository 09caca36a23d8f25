package cmds

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/session"
)

func newSendCommand(a *app) *cobra.Command {
	var withHistory bool
	cmd := &cobra.Command{
		Use:   "send <session> <text>...",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSend(cmd.Context(), cmd, args[0], strings.Join(args[1:], " "), withHistory)
		},
	}
	cmd.Flags().BoolVar(&withHistory, "with-history", false, "load the stored conversation first so it is sent as context")
	return cmd
}

func (a *app) runSend(ctx context.Context, cmd *cobra.Command, key, text string, withHistory bool) error {
	reg, err := a.registry(ctx, nil, false)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()

	defaults := a.settings.SessionDefaults()
	b := reg.BindingFor(key, &defaults)
	defer b.Close()

	if withHistory {
		n, err := b.LoadHistory(ctx)
		if err != nil {
			return err
		}
		log.Debug().Int("messages", n).Msg("history loaded before send")
	}
	before := len(b.State().Messages)
	if err := b.Send(ctx, text); err != nil {
		return err
	}
	if err := b.Wait(ctx); err != nil {
		b.Cancel()
		return err
	}

	st := b.State()
	if st.Error != "" {
		return errors.New(st.Error)
	}
	// user message plus, when anything arrived, the reply
	if len(st.Messages) <= before+1 {
		return errors.New("no reply received")
	}
	reply := st.Messages[len(st.Messages)-1]
	if reply.Role != session.RoleAssistant {
		return errors.New("no reply received")
	}
	for _, step := range reply.ToolOutput {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", step.Kind())
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
	return err
}
