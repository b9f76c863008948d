package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/omochice/docmux/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay that fans channel updates out to subscribers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("jwt-secret is required to run a relay")
		}

		srv := relay.New(relay.Config{
			Address: cfg.Listen,
			Secret:  []byte(cfg.JWTSecret),
		})

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		errChan := make(chan error, 1)
		go func() {
			glog.Infof("Starting relay on %s", cfg.Listen)
			errChan <- srv.Start()
		}()

		select {
		case err := <-errChan:
			if err != nil {
				return err
			}
		case sig := <-sigChan:
			glog.Infof("Received signal %v, shutting down...", sig)
			srv.Stop()
		}

		glog.Info("Relay stopped")
		return nil
	},
}
