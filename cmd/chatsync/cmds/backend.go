package cmds

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/devbackend"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
)

func newBackendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Run the development chat backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBackend(cmd.Context())
		},
	}
}

func (a *app) runBackend(ctx context.Context) error {
	bs := a.settings.Backend
	var store chatstore.MessageStore
	if bs.DB != "" {
		dsn, err := chatstore.SQLiteDSNForFile(bs.DB)
		if err != nil {
			return err
		}
		sqliteStore, err := chatstore.NewSQLiteMessageStore(dsn)
		if err != nil {
			return err
		}
		store = sqliteStore
		log.Info().Str("db", bs.DB).Msg("dev backend using sqlite store")
	} else {
		store = chatstore.NewInMemoryMessageStore(0)
	}
	defer func() { _ = store.Close() }()

	var responder devbackend.Responder = devbackend.EchoResponder
	if bs.Lorem {
		responder = devbackend.NewLoremResponder()
	}
	srv, err := devbackend.NewServer(store, devbackend.Options{
		Token:      bs.Token,
		Responder:  responder,
		ChunkDelay: bs.ChunkDelay,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, bs.Addr)
}
