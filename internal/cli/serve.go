package cli

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/decksync/internal/peer"
	"github.com/mesh-intelligence/decksync/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr, notice string
	var refuse bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync server",
		Long: "Serve one collection per account over HTTP. Accounts are read from\n" +
			"server.users and reloaded when config.yaml changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := app.cfg.Server
			if sc.JWTSecret == "" {
				return configError{errors.New("server.jwt_secret is not set")}
			}
			if sc.DataDir == "" {
				sc.DataDir = filepath.Join(app.cfg.DataDir, "server")
			}
			if addr != "" {
				sc.Addr = addr
			}
			var hostOpts []peer.HostOption
			if notice != "" || refuse {
				hostOpts = append(hostOpts, peer.WithNotice(notice, refuse))
			}
			srv, err := server.New(sc, server.WithLogger(app.log), server.WithHostOptions(hostOpts...))
			if err != nil {
				return err
			}
			defer srv.Close()

			app.viper.OnConfigChange(func(ev fsnotify.Event) {
				users := app.viper.GetStringMapString("server.users")
				for user, hash := range users {
					srv.Accounts().Set(user, hash)
				}
				app.log.WithField("accounts", len(users)).Info("reloaded accounts")
			})
			app.viper.WatchConfig()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx, sc.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().StringVar(&notice, "notice", "", "message shown to every syncing client")
	cmd.Flags().BoolVar(&refuse, "refuse", false, "refuse sessions, for maintenance")
	return cmd
}
