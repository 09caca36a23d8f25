package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/webchat"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket surface for all sessions and mirror their events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd.Context())
		},
	}
}

func (a *app) runServe(ctx context.Context) error {
	ps, err := redisstream.BuildPubSub(a.settings.Redis, nil)
	if err != nil {
		return err
	}
	defer func() { _ = ps.Close() }()
	mirror := redisstream.NewMirror(ps.Publisher, 0)
	defer mirror.Close()

	reg, err := a.registry(ctx, mirror, true)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return mirror.Run(egCtx) })
	if err := a.serveWebsocket(egCtx, eg, reg); err != nil {
		return err
	}
	return eg.Wait()
}

// serveWebsocket starts the websocket surface on the configured address. It
// shuts the server down and closes reg when ctx ends.
func (a *app) serveWebsocket(ctx context.Context, eg *errgroup.Group, reg *chat.Registry) error {
	defaults := a.settings.SessionDefaults()
	hub, err := webchat.NewHub(webchat.HubConfig{
		BaseCtx:     ctx,
		Registry:    reg,
		Defaults:    &defaults,
		IdleRelease: a.settings.IdleRelease,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{Addr: a.settings.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down websocket surface")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		hub.Close()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		return reg.Close(shutdownCtx)
	})
	eg.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("starting websocket surface")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	return nil
}
