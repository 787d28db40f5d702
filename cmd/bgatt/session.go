package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/simulator"
	"github.com/srg/bgatt/pkg/config"
)

// session is what every radio command needs: configuration, a logger and an
// open adapter.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter *adapter.Adapter
}

// openSession loads the configuration named by the global flags, starts the
// configured gateway and opens an adapter over it.
func openSession(cmd *cobra.Command) (*session, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if profile, _ := cmd.Flags().GetString("profile"); profile != "" {
		cfg.Transport.Profile = profile
	}

	logger, err := configureLogger(cmd, cfg, cfgPath != "")
	if err != nil {
		return nil, err
	}

	if cfg.Transport.Kind != "sim" {
		return nil, fmt.Errorf("unsupported transport %q: only \"sim\" is built in", cfg.Transport.Kind)
	}
	profile, err := cfg.SimulatorProfile()
	if err != nil {
		return nil, err
	}
	gw, err := simulator.New(profile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start simulator: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"transport":   cfg.Transport.Kind,
		"peripherals": len(profile.Peripherals),
	}).Debug("Opening adapter")
	return &session{
		cfg:     cfg,
		logger:  logger,
		adapter: adapter.Open(cmd.Context(), gw, cfg.AdapterConfig(), logger),
	}, nil
}

func (s *session) Close() {
	if err := s.adapter.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close adapter")
	}
}

// signalContext is cmd's context, cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func parseAddressArg(s string) (device.Address, error) {
	addr, err := device.ParseAddress(s)
	if err != nil {
		return device.Address{}, fmt.Errorf("invalid device address %q: %w", s, err)
	}
	return addr, nil
}
