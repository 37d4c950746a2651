package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/Prismer-AI/chatsync"
)

var (
	serveListen  string
	serveBackend string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (default [server].listen or :8080)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "memory", "Store to serve: memory or redis")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a conversation store over HTTP and WebSocket",
	Long:  "Expose an in-memory or Redis conversation store over the HTTP+WebSocket protocol used by the http backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if serveBackend == "http" {
			return fmt.Errorf("serve needs a local backend (memory or redis)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		backendCfg := *cfg
		backendCfg.Default.Backend = serveBackend
		store, closeStore, err := openStore(ctx, &backendCfg)
		if err != nil {
			return err
		}
		defer closeStore()

		var opts []chatsync.ServerOption
		if cfg.Auth.Token != "" {
			opts = append(opts, chatsync.WithServerToken(cfg.Auth.Token))
		}
		srv := &http.Server{
			Addr:    valueOrDefault(serveListen, valueOrDefault(cfg.Server.Listen, defaultListen)),
			Handler: chatsync.NewServer(store, opts...),
		}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		fmt.Printf("Serving %s store on %s\n", serveBackend, srv.Addr)

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		jww.INFO.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
