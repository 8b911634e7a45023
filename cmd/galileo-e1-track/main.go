// Command galileo-e1-track is the thin host adapter: it owns every
// framework/stream-plumbing symbol (file IO, CLI flags, signal
// handling, the event bus, the telemetry and dump sinks) so that
// tracking.Controller itself stays framework-free.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shangzhen6688/galileo-e1-tracking/internal/config"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/dump"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/events"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/galconst"
	"github.com/shangzhen6688/galileo-e1-tracking/internal/telemetry"
	"github.com/shangzhen6688/galileo-e1-tracking/tracking"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "galileo-e1-track",
		Short: "Track Galileo E1B channels against a recorded IQ capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
			return run(configPath, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "galileo-e1-track.toml", "path to the run's TOML configuration")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(configPath string, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	samples, err := readIQFile(cfg.IQFile)
	if err != nil {
		return fmt.Errorf("reading IQ file: %w", err)
	}
	logger.Info().Int("samples", len(samples)).Str("file", cfg.IQFile).Msg("loaded IQ capture")

	bus := events.NewBus()
	defer bus.Close()

	var sink *telemetry.InfluxSink
	if cfg.InfluxDSN != "" {
		sink, err = telemetry.NewInfluxSink(cfg.InfluxDSN, "galileo", "galileo-e1-track", telemetry.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("starting telemetry sink: %w", err)
		}
		defer sink.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Warn().Msg("received interrupt, shutting down channels")
			cancel()
		case <-ctx.Done():
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	for i, chCfg := range cfg.Channels {
		channelID := i
		chCfg := chCfg
		eg.Go(func() error {
			return runChannel(egCtx, channelID, chCfg, cfg, samples, bus, sink, logger)
		})
	}

	if err := eg.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runChannel(ctx context.Context, channelID int, chCfg config.ChannelConfig, cfg *config.Config, samples []complex128, bus *events.Bus, sink *telemetry.InfluxSink, logger zerolog.Logger) error {
	chLogger := logger.With().
		Int("channel", channelID).
		Uint("prn", chCfg.PRNID).
		Str("system", galconst.SystemName(galconst.SystemGalileo)).
		Logger()

	var dumpWriter *dump.Writer
	if cfg.DumpDir != "" {
		var err error
		dumpWriter, err = dump.NewWriter(fmt.Sprintf("%s/channel_%d.dump", cfg.DumpDir, channelID))
		if err != nil {
			chLogger.Error().Err(err).Msg("failed to open dump file, continuing without it")
		} else {
			defer func() {
				if err := dumpWriter.Close(); err != nil {
					chLogger.Warn().Err(err).Msg("failed to close dump file")
				}
			}()
		}
	}

	ctrl, err := tracking.NewController(tracking.Config{
		ChannelID:             channelID,
		IFFreqHz:              cfg.IFFreqHz,
		FsHz:                  cfg.FsHz,
		VectorLengthSamples:   int(math.Round(cfg.FsHz * galconst.CodePeriodS)),
		EarlyLateSpcChips:     0.5,
		VeryEarlyLateSpcChips: 2.0,
		PLLBwHz:               cfg.PLLBwHz,
		DLLBwHz:               cfg.DLLBwHz,
	}, tracking.WithLogger(chLogger), tracking.WithEventBus(bus))
	if err != nil {
		return fmt.Errorf("channel %d: constructing controller: %w", channelID, err)
	}
	defer ctrl.Close()

	hint := tracking.AcquisitionHint{
		PRNID:           chCfg.PRNID,
		AcqDelaySamples: chCfg.AcqDelaySamples,
		AcqDopplerHz:    chCfg.AcqDopplerHz,
		AcqSampleStamp:  0,
		SystemTag:       galconst.SystemGalileo,
		SignalTag:       chCfg.SignalTag,
	}
	if err := ctrl.StartTracking(hint); err != nil {
		return fmt.Errorf("channel %d: starting tracking: %w", channelID, err)
	}

	src := tracking.NewSliceSource(samples)
	return ctrl.Run(ctx, src, func(rec tracking.TrackingRecord) {
		chLogger.Debug().
			Float64("cn0_db_hz", rec.CN0DBHz).
			Float64("carrier_doppler_hz", rec.CarrierDopplerHz).
			Msg("tracking period")
		if sink != nil {
			sink.Write(rec)
		}
		if dumpWriter != nil {
			if err := dumpWriter.WriteEpoch(dump.Epoch{
				TrackingSampleCounter: rec.TrackingSampleCounter,
				PromptI:               rec.PromptI,
				PromptQ:               rec.PromptQ,
				CodePhaseSamples:      rec.CodePhaseSamples,
				CarrierPhaseRad:       rec.CarrierPhaseRad,
				CarrierDopplerHz:      rec.CarrierDopplerHz,
				CN0DBHz:               rec.CN0DBHz,
			}); err != nil {
				chLogger.Warn().Err(err).Msg("failed to write dump epoch")
			}
		}
	})
}

// readIQFile reads a raw interleaved-float32 (I, Q, I, Q, ...) capture
// into a complex128 slice.
func readIQFile(path string) ([]complex128, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []complex128
	buf := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		i := math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4]))
		q := math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8]))
		out = append(out, complex(float64(i), float64(q)))
	}
	return out, nil
}
