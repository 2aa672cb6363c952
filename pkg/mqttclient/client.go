// Package mqttclient is a customized MQTT client built upon
// github.com/eclipse/paho.mqtt.golang, shared by the signaling client and
// the anomaly alert publisher. The client travels on the context so every
// component in a process reuses one relay connection.
package mqttclient

import (
	"context"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func init() {
	// Reading from environment.
	if env := os.Getenv("DEBUG_MQTT_CLIENT"); strings.ToLower(env) == "true" {
		// MQTT internal logging.
		mqtt.ERROR = stdlog.New(os.Stdout, "[ERROR] ", 0)
		mqtt.CRITICAL = stdlog.New(os.Stdout, "[CRITICAL] ", 0)
		mqtt.WARN = stdlog.New(os.Stdout, "[WARN]  ", 0)
		mqtt.DEBUG = stdlog.New(os.Stdout, "[DEBUG] ", 0)
	}
}

type contextKey string

const clientKey = contextKey("mqtt_client")

// Client options.
const (
	writeTimeout = 1 * time.Second
	pingTimeout  = 10 * time.Second
)

var (
	messagePubHandler mqtt.MessageHandler = func(client mqtt.Client, msg mqtt.Message) {
		log.Info().Str("msg", string(msg.Payload())).Str("topic", msg.Topic()).Msg("Received a missed message")
	}

	connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
		log.Info().Msg("Client connected to broker")
	}

	connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
		log.Info().Err(err).Msg("Connection lost")
		for _, fn := range lostWatchers(client) {
			fn(err)
		}
	}

	reconnectHandler mqtt.ReconnectHandler = func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info().Msg("Attempting to reconnect")
	}
)

var (
	lostMu    sync.Mutex
	lostFuncs = make(map[mqtt.Client][]func(error))
)

// WatchConnectionLost registers fn to run whenever client loses its broker
// connection. The client auto-reconnects underneath, but subscriptions made
// through a dropped connection cannot be assumed to have survived the gap;
// fn lets consumers surface the drop instead of idling through it. Watchers
// stay registered for the lifetime of the client and fire on every drop.
func WatchConnectionLost(client mqtt.Client, fn func(error)) {
	lostMu.Lock()
	defer lostMu.Unlock()
	lostFuncs[client] = append(lostFuncs[client], fn)
}

func lostWatchers(client mqtt.Client) []func(error) {
	lostMu.Lock()
	defer lostMu.Unlock()
	return append(([]func(error))(nil), lostFuncs[client]...)
}

// ConfigOptions is config options for an MQTT client.
type ConfigOptions struct {
	Server   string
	ClientID string
	Username string
	Password string
}

func NewClient(ctx context.Context, config ConfigOptions) mqtt.Client {
	// Set global logger.
	setLogger(ctx)

	opts := mqtt.NewClientOptions()

	// The following options are set in addition to package defaults.
	opts.AddBroker(config.Server)
	opts.SetClientID(config.ClientID + "-" + uuid.NewString())

	// Unless ordered delivery of messages is essential (and the broker is
	// configured to support it, e.g. max_inflight_messages=1 in mosquitto),
	// SetOrderMatters(false) avoids deadlocks caused by blocking message
	// handlers.
	opts.SetOrderMatters(false)
	opts.SetCleanSession(false)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(messagePubHandler)
	opts.OnConnectionLost = connectLostHandler
	opts.OnReconnecting = reconnectHandler
	opts.OnConnect = connectHandler

	opts.WriteTimeout = writeTimeout // Minimal delays on writes
	opts.PingTimeout = pingTimeout

	// Automate connection management (will keep trying to connect and will reconnect if network drops)
	opts.ConnectRetry = true

	return mqtt.NewClient(opts)
}

// setLogger sets a customized input logger for MQTT client from context.
// By this way, user can decide the log level.
func setLogger(ctx context.Context) {
	log.Logger = log.Ctx(ctx).With().Str("component", "mqtt-client").Logger()
}

// CheckConnectivity checks MQTT client connectivity with a timeout.
func CheckConnectivity(client mqtt.Client, timeout time.Duration) error {
	if token := client.Connect(); token.WaitTimeout(timeout) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// WithContext creates a new MQTT client with provided client attached.
func WithContext(ctx context.Context, client mqtt.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// FromContext returns the MQTT client stored in context. If no such client exists, it returns nil.
func FromContext(ctx context.Context) mqtt.Client {
	if client, ok := ctx.Value(clientKey).(mqtt.Client); ok {
		return client
	}
	return nil
}
