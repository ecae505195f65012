package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

const influxPingTimeout = 5 * time.Second

// InfluxConfig configures InfluxPublisher.
type InfluxConfig struct {
	URL         string `yaml:"url" json:"url" toml:"url"`
	Token       string `yaml:"token" json:"token" toml:"token"`
	Org         string `yaml:"org" json:"org" toml:"org"`
	Bucket      string `yaml:"bucket" json:"bucket" toml:"bucket"`
	Measurement string `yaml:"measurement" json:"measurement" toml:"measurement"`
}

// InfluxPublisher records events as points with the non-blocking write API.
// Device and event name are tags; numeric and string fields are copied.
type InfluxPublisher struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
}

// DialInflux connects to InfluxDB and verifies it with a ping.
func DialInflux(cfg InfluxConfig, log zerolog.Logger) (*InfluxPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx: url not set")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx: ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influx: server not healthy")
	}
	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range w.Errors() {
			log.Warn().Err(err).Msg("influx write failed")
		}
	}()
	m := cfg.Measurement
	if m == "" {
		m = "compiled_events"
	}
	return &InfluxPublisher{client: client, writeAPI: w, measurement: m}, nil
}

// Point converts an event to an InfluxDB point.
func Point(measurement string, e Event) *write.Point {
	e = Stamp(e)
	tags := map[string]string{"event": e.Name}
	if e.Device != "" {
		tags["device"] = e.Device
	}
	fields := map[string]any{"count": 1}
	if e.Key != "" {
		fields["key"] = e.Key
	}
	for k, v := range e.Fields {
		switch t := v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64, bool, string:
			fields[k] = v
		case time.Duration:
			fields[k] = t.Seconds()
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return write.NewPoint(measurement, tags, fields, e.Time)
}

func (p *InfluxPublisher) Publish(e Event) {
	p.writeAPI.WritePoint(Point(p.measurement, e))
}

// Close flushes pending points and closes the client.
func (p *InfluxPublisher) Close() error {
	p.writeAPI.Flush()
	p.client.Close()
	return nil
}
