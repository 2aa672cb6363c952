package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verimeet/verimeet/internal/meetid"
	"github.com/verimeet/verimeet/pkg/mqttclient"
)

// tokenTimeout bounds every synchronous relay round trip.
const tokenTimeout = 3 * time.Second

// ConfigOptions configures the signaling client.
type ConfigOptions struct {
	TopicPrefix string
	Qos         uint
	Retained    bool

	// ClaimProbe is how long a registering host listens for a competing
	// retained claim before claiming the code itself.
	ClaimProbe time.Duration
	// PresenceTimeout is how long a dialing participant waits for the
	// host's retained claim before reporting the peer unreachable.
	PresenceTimeout time.Duration
}

func (c *ConfigOptions) defaults() {
	if c.ClaimProbe == 0 {
		c.ClaimProbe = time.Second
	}
	if c.PresenceTimeout == 0 {
		c.PresenceTimeout = tokenTimeout
	}
}

// Client is one logical connection to the signaling relay.
type Client struct {
	client mqtt.Client
	config ConfigOptions
	logger zerolog.Logger

	// mu guards sinks, the event channels of live registrations and calls.
	mu    sync.Mutex
	sinks map[chan<- Event]struct{}
}

// NewClient builds a signaling client from the MQTT client attached to ctx.
func NewClient(ctx context.Context, config ConfigOptions) *Client {
	config.defaults()
	c := &Client{
		client: mqttclient.FromContext(ctx),
		config: config,
		logger: log.Ctx(ctx).With().Str("component", "signal").Logger(),
		sinks:  make(map[chan<- Event]struct{}),
	}
	if c.client != nil {
		mqttclient.WatchConnectionLost(c.client, c.connectionLost)
	}
	return c
}

func (c *Client) addSink(events chan<- Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks[events] = struct{}{}
}

func (c *Client) removeSink(events chan<- Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, events)
}

// connectionLost raises an EventError on every live registration and call.
// Retained claims and subscriptions cannot be assumed to have survived the
// broker drop, so the consuming session treats this as fatal rather than
// waiting out the automatic reconnect.
func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	sinks := make([]chan<- Event, 0, len(c.sinks))
	for s := range c.sinks {
		sinks = append(sinks, s)
	}
	c.mu.Unlock()

	ev := Event{Kind: EventError, Err: newError(KindRelayUnreachable, err)}
	for _, s := range sinks {
		c.deliver(s, ev)
	}
}

// waitToken waits for a relay round trip, mapping timeouts and transport
// failures to KindRelayUnreachable.
func waitToken(t mqtt.Token) error {
	if !t.WaitTimeout(tokenTimeout) {
		return newError(KindRelayUnreachable, errors.New("relay timed out"))
	}
	if err := t.Error(); err != nil {
		return newError(KindRelayUnreachable, err)
	}
	return nil
}

// publish fires a payload without waiting for delivery so signaling paths
// never block inside MQTT handlers.
func (c *Client) publish(topic string, payload []byte) {
	t := c.client.Publish(topic, byte(c.config.Qos), c.config.Retained, payload)
	go func() {
		<-t.Done()
		if t.Error() != nil {
			c.logger.Err(t.Error()).Msgf("could not publish to %s", topic)
		}
	}()
}

// deliver forwards an event without ever blocking the MQTT handler
// goroutine. A full channel means the session is gone or wedged; the event
// is dropped and logged rather than deadlocking the relay connection.
func (c *Client) deliver(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	default:
		c.logger.Warn().Str("kind", ev.Kind.String()).Msg("dropped signaling event, consumer not keeping up")
	}
}

// probePresence subscribes to the presence topic of meeting and waits up to
// wait for a retained claim. Returns the claiming host id, or "" when no
// claim arrived. The subscription is left in place and must be cleaned up
// by the caller via unsubscribe.
func (c *Client) probePresence(meeting meetid.ID, wait time.Duration, onChange func(hostID string)) (string, error) {
	topic := presenceTopic(c.config.TopicPrefix, meeting)
	claims := make(chan string, 1)
	var first atomic.Bool

	t := c.client.Subscribe(topic, byte(c.config.Qos), func(_ mqtt.Client, m mqtt.Message) {
		host, err := DecodePresence(m.Payload())
		if err != nil {
			c.logger.Err(err).Msg("could not decode presence claim")
			return
		}
		if first.CompareAndSwap(false, true) {
			claims <- host
			return
		}
		if onChange != nil {
			onChange(host)
		}
	})
	if err := waitToken(t); err != nil {
		return "", err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case host := <-claims:
		return host, nil
	case <-timer.C:
		return "", nil
	}
}

func (c *Client) unsubscribe(topics ...string) {
	t := c.client.Unsubscribe(topics...)
	go func() {
		<-t.Done()
		if t.Error() != nil {
			c.logger.Err(t.Error()).Msgf("could not unsubscribe from %v", topics)
		}
	}()
}

// Registration is a host's live claim on a meeting code. The host is
// dialable under the code until Close clears the claim.
type Registration struct {
	c       *Client
	meeting meetid.ID
	hostID  string
	topics  []string
	events  chan<- Event
	closed  atomic.Bool
}

// Register claims meeting for hostID and subscribes for incoming calls.
// Call offers, remote candidates and byes are delivered on events. A
// foreign retained claim yields KindIdentifierInUse; the caller may retry
// with a freshly generated code.
func (c *Client) Register(ctx context.Context, meeting meetid.ID, hostID string, events chan<- Event) (*Registration, error) {
	logger := c.logger.With().Str("meeting", meeting.String()).Logger()

	presence := presenceTopic(c.config.TopicPrefix, meeting)
	claim, err := c.probePresence(meeting, c.config.ClaimProbe, nil)
	if err != nil {
		return nil, err
	}
	c.unsubscribe(presence)
	if claim != "" && claim != hostID {
		return nil, newError(KindIdentifierInUse, fmt.Errorf("meeting %s claimed by another host", meeting))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Claim the code. The claim is retained so late dialers see it without
	// the host doing anything further.
	t := c.client.Publish(presence, byte(c.config.Qos), true, EncodePresence(hostID))
	if err := waitToken(t); err != nil {
		return nil, err
	}
	logger.Info().Msg("claimed meeting code")

	call := callTopic(c.config.TopicPrefix, meeting)
	candidates := candidateTopic(c.config.TopicPrefix, "peer", meeting, "+")
	byes := byeTopic(c.config.TopicPrefix, meeting, "+")

	t = c.client.Subscribe(call, byte(c.config.Qos), func(_ mqtt.Client, m mqtt.Message) {
		offer, err := DecodeOffer(m.Payload())
		if err != nil {
			logger.Err(err).Msg("could not decode call offer")
			return
		}
		c.deliver(events, Event{
			Kind:    EventOffer,
			Meeting: meeting,
			Caller:  offer.Caller,
			Attempt: offer.Attempt,
			SDP:     offer.SDP,
		})
	})
	if err := waitToken(t); err != nil {
		return nil, err
	}

	t = c.client.Subscribe(candidates, byte(c.config.Qos), func(_ mqtt.Client, m mqtt.Message) {
		cand, err := DecodeCandidate(m.Payload())
		if err != nil {
			logger.Err(err).Msg("could not decode candidate")
			return
		}
		c.deliver(events, Event{
			Kind:      EventCandidate,
			Meeting:   meeting,
			Caller:    callerFromTopic(m.Topic()),
			Attempt:   cand.Attempt,
			Candidate: cand.Candidate,
		})
	})
	if err := waitToken(t); err != nil {
		c.unsubscribe(call)
		return nil, err
	}

	t = c.client.Subscribe(byes, byte(c.config.Qos), func(_ mqtt.Client, m mqtt.Message) {
		bye, err := DecodeBye(m.Payload())
		if err != nil {
			logger.Err(err).Msg("could not decode bye")
			return
		}
		if bye.From == hostID {
			return // broker echo of our own bye
		}
		c.deliver(events, Event{
			Kind:    EventBye,
			Meeting: meeting,
			Caller:  callerFromTopic(m.Topic()),
			Attempt: bye.Attempt,
			Reason:  bye.Reason,
		})
	})
	if err := waitToken(t); err != nil {
		c.unsubscribe(call, candidates)
		return nil, err
	}
	logger.Info().Msg("awaiting calls")

	c.addSink(events)
	return &Registration{
		c:       c,
		meeting: meeting,
		hostID:  hostID,
		topics:  []string{call, candidates, byes},
		events:  events,
	}, nil
}

// Answer publishes the host's answer back to one caller, echoing the
// caller's attempt tag.
func (r *Registration) Answer(caller string, attempt uint64, sdp *webrtc.SessionDescription) error {
	payload, err := EncodeAnswer(&Answer{Attempt: attempt, SDP: sdp})
	if err != nil {
		return fmt.Errorf("could not encode answer: %w", err)
	}
	r.c.publish(answerTopic(r.c.config.TopicPrefix, r.meeting, caller), payload)
	return nil
}

// SendCandidate trickles one local ICE candidate toward a caller.
func (r *Registration) SendCandidate(caller string, attempt uint64, candidate string) error {
	payload := EncodeCandidate(&Candidate{Attempt: attempt, Candidate: candidate})
	r.c.publish(candidateTopic(r.c.config.TopicPrefix, "host", r.meeting, caller), payload)
	return nil
}

// Bye tells a caller the call is over or was rejected.
func (r *Registration) Bye(caller string, attempt uint64, reason string) error {
	payload := EncodeBye(&Bye{From: r.hostID, Attempt: attempt, Reason: reason})
	r.c.publish(byeTopic(r.c.config.TopicPrefix, r.meeting, caller), payload)
	return nil
}

// Close releases the registration: the retained claim is cleared so late
// dial attempts fail cleanly, and all call subscriptions are dropped.
// Idempotent.
func (r *Registration) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.c.removeSink(r.events)
	presence := presenceTopic(r.c.config.TopicPrefix, r.meeting)
	t := r.c.client.Publish(presence, byte(r.c.config.Qos), true, EncodePresence(""))
	err := waitToken(t)
	r.c.unsubscribe(r.topics...)
	r.c.logger.Info().Str("meeting", r.meeting.String()).Msg("released meeting code")
	return err
}

// Call is a participant's in-flight or established dial toward a meeting
// code.
type Call struct {
	c       *Client
	meeting meetid.ID
	caller  string
	attempt uint64
	topics  []string
	events  chan<- Event
	closed  atomic.Bool
}

// Dial opens an ephemeral, unadvertised registration for caller and issues
// a call toward target. The answer, host candidates and byes are delivered
// on events. A target without a live retained claim yields
// KindPeerUnreachable after the presence timeout; the partial registration
// is fully unwound before returning.
func (c *Client) Dial(ctx context.Context, target meetid.ID, caller string, attempt uint64, offer *webrtc.SessionDescription, events chan<- Event) (*Call, error) {
	if _, err := meetid.Parse(target.String()); err != nil {
		return nil, newError(KindInvalidIdentifierFormat, err)
	}
	logger := c.logger.With().Str("meeting", target.String()).Str("caller", caller).Logger()

	presence := presenceTopic(c.config.TopicPrefix, target)
	claim, err := c.probePresence(target, c.config.PresenceTimeout, func(host string) {
		// The host clearing its claim mid-call is equivalent to a bye even
		// if the explicit bye was lost.
		if host == "" {
			c.deliver(events, Event{Kind: EventBye, Meeting: target, Reason: "host ended the meeting"})
		}
	})
	if err != nil {
		return nil, err
	}
	if claim == "" {
		c.unsubscribe(presence)
		return nil, newError(KindPeerUnreachable, fmt.Errorf("no host registered under %s", target))
	}
	if err := ctx.Err(); err != nil {
		c.unsubscribe(presence)
		return nil, err
	}

	answers := answerTopic(c.config.TopicPrefix, target, caller)
	candidates := candidateTopic(c.config.TopicPrefix, "host", target, caller)
	byes := byeTopic(c.config.TopicPrefix, target, caller)
	unwind := func(topics ...string) {
		c.unsubscribe(append(topics, presence)...)
	}

	t := c.client.Subscribe(answers, byte(c.config.Qos), func(_ mqtt.Client, m mqtt.Message) {
		answer, err := DecodeAnswer(m.Payload())
		if err != nil {
			logger.Err(err).Msg("could not decode answer")
			return
		}
		c.deliver(events, Event{
			Kind:    EventAnswer,
			Meeting: target,
			Attempt: answer.Attempt,
			SDP:     answer.SDP,
		})
	})
	if err := waitToken(t); err != nil {
		unwind()
		return nil, err
	}

	t = c.client.Subscribe(candidates, byte(c.config.Qos), func(_ mqtt.Client, m mqtt.Message) {
		cand, err := DecodeCandidate(m.Payload())
		if err != nil {
			logger.Err(err).Msg("could not decode candidate")
			return
		}
		c.deliver(events, Event{
			Kind:      EventCandidate,
			Meeting:   target,
			Attempt:   cand.Attempt,
			Candidate: cand.Candidate,
		})
	})
	if err := waitToken(t); err != nil {
		unwind(answers)
		return nil, err
	}

	t = c.client.Subscribe(byes, byte(c.config.Qos), func(_ mqtt.Client, m mqtt.Message) {
		bye, err := DecodeBye(m.Payload())
		if err != nil {
			logger.Err(err).Msg("could not decode bye")
			return
		}
		if bye.From == caller {
			return // broker echo of our own bye
		}
		c.deliver(events, Event{
			Kind:    EventBye,
			Meeting: target,
			Attempt: bye.Attempt,
			Reason:  bye.Reason,
		})
	})
	if err := waitToken(t); err != nil {
		unwind(answers, candidates)
		return nil, err
	}

	payload, err := EncodeOffer(&Offer{Caller: caller, Attempt: attempt, SDP: offer})
	if err != nil {
		unwind(answers, candidates, byes)
		return nil, fmt.Errorf("could not encode offer: %w", err)
	}
	t = c.client.Publish(callTopic(c.config.TopicPrefix, target), byte(c.config.Qos), c.config.Retained, payload)
	if err := waitToken(t); err != nil {
		unwind(answers, candidates, byes)
		return nil, err
	}
	logger.Info().Msg("sent call offer")

	c.addSink(events)
	return &Call{
		c:       c,
		meeting: target,
		caller:  caller,
		attempt: attempt,
		topics:  []string{presence, answers, candidates, byes},
		events:  events,
	}, nil
}

// SendCandidate trickles one local ICE candidate toward the host.
func (cl *Call) SendCandidate(candidate string) error {
	payload := EncodeCandidate(&Candidate{Attempt: cl.attempt, Candidate: candidate})
	cl.c.publish(candidateTopic(cl.c.config.TopicPrefix, "peer", cl.meeting, cl.caller), payload)
	return nil
}

// Hangup tells the host the call is over and releases the dial
// subscriptions. Idempotent.
func (cl *Call) Hangup(reason string) error {
	if cl.closed.Load() {
		return nil
	}
	payload := EncodeBye(&Bye{From: cl.caller, Attempt: cl.attempt, Reason: reason})
	cl.c.publish(byeTopic(cl.c.config.TopicPrefix, cl.meeting, cl.caller), payload)
	return cl.Close()
}

// Close releases the dial subscriptions without notifying the host.
// Idempotent.
func (cl *Call) Close() error {
	if !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	cl.c.removeSink(cl.events)
	cl.c.unsubscribe(cl.topics...)
	return nil
}
