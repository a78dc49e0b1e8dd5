package main

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/web"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and WebSocket attach",
	Long: `Serve the JSON API for managing and supervising servers, with
interactive attach over WebSocket at /api/servers/{name}/attach.

The launcher file and private key are reloaded when they change on disk.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		if serveWatch {
			w, err := config.NewWatcher()
			if err != nil {
				return err
			}
			if err := w.Add(a.store.Path(), a.store.Load); err != nil {
				log.Warn("Not watching launcher file", "path", a.store.Path(), "error", err)
			}
			if err := w.Add(a.creds.Path(), a.creds.Reload); err != nil {
				log.Warn("Not watching private key", "path", a.creds.Path(), "error", err)
			}
			g.Go(func() error { return w.Run(ctx) })
		}

		srv := web.New(a.store, a.sup, a.relay, a.prober)
		g.Go(func() error {
			err := srv.ListenAndServe(ctx, serveAddr)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})

		// An error from either the server or the watcher stops both.
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "127.0.0.1:8080", "Listen address")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the launcher file and key when they change")
}
