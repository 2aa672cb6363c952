package anomaly

import (
	"context"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verimeet/verimeet/internal/meetid"
	"github.com/verimeet/verimeet/internal/signal"
	"github.com/verimeet/verimeet/pkg/mqttclient"
)

// AlertConfigOptions configures the relay alert publisher.
type AlertConfigOptions struct {
	TopicPrefix string
	Qos         uint
	Retained    bool
}

// AlertPublisher forwards every result to the next sink and publishes a
// relay alert whenever the high-risk signal changes. Publishing only the
// transitions keeps the alert topic quiet while the signal is steady.
type AlertPublisher struct {
	client  mqtt.Client
	config  AlertConfigOptions
	meeting meetid.ID
	next    Sink
	logger  zerolog.Logger

	mu   sync.Mutex
	high bool
}

// NewAlertPublisher builds an alert publisher over the MQTT client
// attached to ctx. next may be nil.
func NewAlertPublisher(ctx context.Context, meeting meetid.ID, config AlertConfigOptions, next Sink) *AlertPublisher {
	if next == nil {
		next = NopSink{}
	}
	return &AlertPublisher{
		client:  mqttclient.FromContext(ctx),
		config:  config,
		meeting: meeting,
		next:    next,
		logger:  log.Ctx(ctx).With().Str("component", "anomaly-alert").Str("meeting", meeting.String()).Logger(),
	}
}

// Result implements Sink.
func (p *AlertPublisher) Result(res Result, highRisk bool) {
	p.next.Result(res, highRisk)

	p.mu.Lock()
	changed := highRisk != p.high
	p.high = highRisk
	p.mu.Unlock()
	if !changed {
		return
	}

	payload := signal.EncodeAlert(&signal.Alert{
		Meeting: p.meeting.String(),
		Label:   res.Label,
		Score:   res.Score,
		High:    highRisk,
	})
	topic := signal.AlertTopic(p.config.TopicPrefix, p.meeting)
	t := p.client.Publish(topic, byte(p.config.Qos), p.config.Retained, payload)
	go func() {
		<-t.Done()
		if t.Error() != nil {
			p.logger.Err(t.Error()).Msg("could not publish anomaly alert")
		}
	}()
	p.logger.Info().Bool("high", highRisk).Str("label", res.Label).Float64("score", res.Score).Msg("anomaly signal changed")
}
