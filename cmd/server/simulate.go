package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/session"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/logging"
	"github.com/GriffinCanCode/livemap/internal/providers/geolocation"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
	"github.com/GriffinCanCode/livemap/internal/shared/id"
)

func newSimulateCommand() *cobra.Command {
	var (
		sim     = geolocation.DefaultSimulatorConfig()
		profile string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Walk a simulated device across one map session and log its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return simulate(ctx, sim, profile)
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&sim.StartLatitude, "lat", sim.StartLatitude, "Start latitude")
	flags.Float64Var(&sim.StartLongitude, "lng", sim.StartLongitude, "Start longitude")
	flags.Float64Var(&sim.StepMeters, "step", sim.StepMeters, "Meters per fix")
	flags.DurationVar(&sim.Interval, "interval", sim.Interval, "Time between fixes")
	flags.IntVar(&sim.Steps, "steps", 20, "Fixes before stopping, 0 for unbounded")
	flags.BoolVar(&sim.Deny, "deny", false, "Deny the permission prompt")
	flags.BoolVar(&sim.ServiceOff, "service-off", false, "Report location services disabled")
	flags.StringVar(&profile, "profile", "", "Map profile YAML")
	flags.DurationVar(&timeout, "timeout", 0, "Stop after this long")
	return cmd
}

func simulate(ctx context.Context, simCfg geolocation.SimulatorConfig, profilePath string) error {
	logger := logging.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	profile, err := mapview.LoadProfile(profilePath)
	if err != nil {
		return err
	}

	sim := geolocation.NewSimulator(simCfg)
	host := mapview.NewHost(profile, sandbox.DefaultConfig(), logger.Component("sandbox"))
	s, err := session.New(id.NewSessionID(), session.Deps{
		Platform: sim,
		Source:   sim,
		Sandbox:  host,
		View:     host.View,
		Dialect:  profile.Dialect(),
		Options:  location.Options{Accuracy: location.AccuracyHigh},
		Logger:   logger.Component("session"),
	}, session.DefaultConfig())
	if err != nil {
		return err
	}
	if err := s.Mount(ctx); err != nil {
		return fmt.Errorf("failed to mount session: %w", err)
	}
	defer s.Unmount()

	updates, stopWatch := s.Watch()
	defer stopWatch()

	var last session.Status
	for {
		select {
		case status, ok := <-updates:
			if !ok {
				return nil
			}
			if changed(last, status) {
				fields := []zap.Field{
					zap.String("overlay", string(status.Overlay)),
					zap.String("stage", status.Stage),
					zap.Uint64("samples", status.Counters.Samples),
					zap.Uint64("injections", status.Counters.Injections),
				}
				if status.LastApplied != nil {
					fields = append(fields,
						zap.Float64("lat", status.LastApplied.Latitude),
						zap.Float64("lng", status.LastApplied.Longitude))
				}
				if status.Message != "" {
					fields = append(fields, zap.String("message", status.Message))
				}
				logger.Info("Session updated", fields...)
			}
			last = status
		case <-ctx.Done():
			logger.Info("Simulation stopped")
			return nil
		}
	}
}

func changed(prev, next session.Status) bool {
	if prev.Overlay != next.Overlay || prev.Stage != next.Stage || prev.Message != next.Message {
		return true
	}
	if next.LastApplied == nil {
		return false
	}
	return prev.LastApplied == nil || *prev.LastApplied != *next.LastApplied
}
