// Package cmds holds the chatsync cobra commands.
package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/backend"
	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/logging"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/streamctl"
)

// app carries what every command needs once flags are parsed.
type app struct {
	settings  config.Settings
	logCloser io.Closer
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "chatsync keeps streaming chat sessions in sync across surfaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(a),
		newChatCommand(a),
		newSendCommand(a),
		newTailCommand(a),
		newBackendCommand(a),
	)

	historyCmd, err := NewHistoryCommand(a)
	cobra.CheckErr(err)
	sessionsCmd, err := NewSessionsCommand(a)
	cobra.CheckErr(err)
	for _, c := range []cmds.GlazeCommand{historyCmd, sessionsCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(glazeMiddlewares))
		cobra.CheckErr(err)
		root.AddCommand(cobraCmd)
	}
	return root
}

func glazeMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func (a *app) init(cmd *cobra.Command) error {
	envPath, err := config.LoadDotEnv("")
	if err != nil {
		return err
	}
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	configFile, _ := cmd.Flags().GetString("config")
	s, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	closer, err := logging.Init(s.Log)
	if err != nil {
		return err
	}
	a.settings, a.logCloser = s, closer
	if envPath != "" {
		log.Debug().Str("path", envPath).Msg("loaded .env")
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.Debug().Str("path", used).Msg("loaded config file")
	}
	return nil
}

func (a *app) client() (*backend.Client, error) {
	s := a.settings
	var creds backend.CredentialProvider
	if s.Token != "" {
		creds = backend.StaticToken(s.Token)
	}
	return backend.NewClient(s.BackendURL, backend.Options{HistoryCredentials: creds})
}

// registry wires a session registry against the configured backend. observer
// may be nil.
func (a *app) registry(ctx context.Context, observer streamctl.Observer, autoLoad bool) (*chat.Registry, error) {
	s := a.settings
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	opts := s.ControllerOptions()
	opts.Observer = observer
	reg, err := chat.NewRegistry(chat.RegistryConfig{
		Store: session.NewStore(
			session.WithDebounce(s.Debounce),
			session.WithFallbackConfig(s.SessionDefaults()),
		),
		Transport:       client,
		Credentials:     backend.StaticToken(s.Token),
		History:         client,
		Controller:      opts,
		AutoLoadHistory: autoLoad,
		BaseContext:     ctx,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build session registry")
	}
	return reg, nil
}
