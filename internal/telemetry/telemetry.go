// Package telemetry pushes TrackingRecords to InfluxDB for offline
// plotting/monitoring, grounded on FengXuebin-gnssgo's app/plot
// OutPostion/OutENU functions and norasector-turbine's main.go wiring
// of the same client.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"

	"github.com/shangzhen6688/galileo-e1-tracking/tracking"
)

// InfluxSink batches TrackingRecords into InfluxDB line-protocol
// points, one point per record, tagged by PRN and channel.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      zerolog.Logger
}

// NewInfluxSink dials dsn and returns a sink that writes into bucket
// under org. The client's non-blocking write API batches internally;
// Close flushes any outstanding points.
func NewInfluxSink(dsn, bucket, org string, opts ...Option) (*InfluxSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("telemetry: dsn is required")
	}
	client := influxdb2.NewClient(dsn, "")
	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.drainErrors()
	return s, nil
}

// Option configures an InfluxSink at construction time.
type Option func(*InfluxSink)

// WithLogger attaches a structured logger for write-error reporting.
func WithLogger(l zerolog.Logger) Option {
	return func(s *InfluxSink) { s.log = l }
}

func (s *InfluxSink) drainErrors() {
	for err := range s.writeAPI.Errors() {
		s.log.Error().Err(err).Msg("telemetry: influx write error")
	}
}

// Write enqueues one point for rec. It never blocks on the network;
// the underlying write API batches and flushes on its own schedule.
func (s *InfluxSink) Write(rec tracking.TrackingRecord) {
	p := influxdb2.NewPointWithMeasurement("tracking").
		AddTag("prn", fmt.Sprintf("%d", rec.PRNID)).
		AddTag("channel", fmt.Sprintf("%d", rec.ChannelID)).
		AddField("cn0_db_hz", rec.CN0DBHz).
		AddField("carrier_doppler_hz", rec.CarrierDopplerHz).
		AddField("code_phase_samples", rec.CodePhaseSamples).
		AddField("carrier_phase_rad", rec.CarrierPhaseRad).
		SetTime(time.Now())
	s.writeAPI.WritePoint(p)
}

// Flush blocks until all queued points have been sent.
func (s *InfluxSink) Flush(ctx context.Context) {
	s.writeAPI.Flush()
}

// Close flushes outstanding points and releases the underlying HTTP
// client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
