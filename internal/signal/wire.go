// Package signal brokers meeting discovery and WebRTC negotiation between
// two endpoints over an MQTT relay. The relay itself is an external
// dependency; this package only owns the topic layout, the wire encoding
// and the mapping of transport failures to a fixed error taxonomy.
package signal

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/pion/webrtc/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers. SDP bodies travel as JSON inside the payload so both
// ends keep webrtc.SessionDescription as the single source of truth.
const (
	fieldPeer      = 1
	fieldAttempt   = 2
	fieldSDP       = 3
	fieldCandidate = 4
	fieldReason    = 5
	fieldMeeting   = 6
	fieldLabel     = 7
	fieldScore     = 8
	fieldHigh      = 9
)

// Offer is a participant's call request toward a registered meeting code.
type Offer struct {
	// Caller is the ephemeral id the host answers back to.
	Caller string
	// Attempt tags the negotiation attempt that produced this offer.
	// Echoed on the answer and on every candidate so stale attempts are
	// detectable on both sides.
	Attempt uint64
	SDP     *webrtc.SessionDescription
}

// Answer is the host's response carrying its local description.
type Answer struct {
	Attempt uint64
	SDP     *webrtc.SessionDescription
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	Attempt   uint64
	Candidate string
}

// Bye signals hang-up, busy rejection or negotiation abort. Both sides
// publish and subscribe on the same topic, From lets an endpoint drop the
// broker's echo of its own bye.
type Bye struct {
	From    string
	Attempt uint64
	Reason  string
}

// Alert is a high-risk anomaly notification published outside the
// negotiation path.
type Alert struct {
	Meeting string
	Label   string
	Score   float64
	High    bool
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// walk iterates the fields of payload, calling fn for each one. Unknown
// fields are skipped so the format can grow without breaking old peers.
func walk(payload []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		payload = payload[n:]

		used, err := fn(num, typ, payload)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, payload)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		payload = payload[used:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeUint(b []byte, dst *uint64) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func marshalSDP(sdp *webrtc.SessionDescription) (string, error) {
	if sdp == nil {
		return "", fmt.Errorf("signal: nil session description")
	}
	b, err := json.Marshal(sdp)
	if err != nil {
		return "", fmt.Errorf("signal: could not marshal sdp: %w", err)
	}
	return string(b), nil
}

func unmarshalSDP(s string) (*webrtc.SessionDescription, error) {
	if s == "" {
		return nil, fmt.Errorf("signal: empty sdp payload")
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal([]byte(s), &sdp); err != nil {
		return nil, fmt.Errorf("signal: could not unmarshal sdp: %w", err)
	}
	return &sdp, nil
}

// EncodePresence encodes a host's retained claim on a meeting code. An
// empty host id encodes to an empty payload, which clears the retained
// claim on the broker.
func EncodePresence(hostID string) []byte {
	return appendString(nil, fieldPeer, hostID)
}

// DecodePresence returns the claiming host id, or "" for a cleared claim.
func DecodePresence(payload []byte) (string, error) {
	var host string
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldPeer && typ == protowire.BytesType {
			return consumeString(b, &host)
		}
		return 0, nil
	})
	return host, err
}

func EncodeOffer(o *Offer) ([]byte, error) {
	sdp, err := marshalSDP(o.SDP)
	if err != nil {
		return nil, err
	}
	b := appendString(nil, fieldPeer, o.Caller)
	b = appendUint(b, fieldAttempt, o.Attempt)
	b = appendString(b, fieldSDP, sdp)
	return b, nil
}

func DecodeOffer(payload []byte) (*Offer, error) {
	var o Offer
	var sdp string
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldPeer && typ == protowire.BytesType:
			return consumeString(b, &o.Caller)
		case num == fieldAttempt && typ == protowire.VarintType:
			return consumeUint(b, &o.Attempt)
		case num == fieldSDP && typ == protowire.BytesType:
			return consumeString(b, &sdp)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if o.SDP, err = unmarshalSDP(sdp); err != nil {
		return nil, err
	}
	return &o, nil
}

func EncodeAnswer(a *Answer) ([]byte, error) {
	sdp, err := marshalSDP(a.SDP)
	if err != nil {
		return nil, err
	}
	b := appendUint(nil, fieldAttempt, a.Attempt)
	b = appendString(b, fieldSDP, sdp)
	return b, nil
}

func DecodeAnswer(payload []byte) (*Answer, error) {
	var a Answer
	var sdp string
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldAttempt && typ == protowire.VarintType:
			return consumeUint(b, &a.Attempt)
		case num == fieldSDP && typ == protowire.BytesType:
			return consumeString(b, &sdp)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if a.SDP, err = unmarshalSDP(sdp); err != nil {
		return nil, err
	}
	return &a, nil
}

func EncodeCandidate(c *Candidate) []byte {
	b := appendUint(nil, fieldAttempt, c.Attempt)
	return appendString(b, fieldCandidate, c.Candidate)
}

func DecodeCandidate(payload []byte) (*Candidate, error) {
	var c Candidate
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldAttempt && typ == protowire.VarintType:
			return consumeUint(b, &c.Attempt)
		case num == fieldCandidate && typ == protowire.BytesType:
			return consumeString(b, &c.Candidate)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if c.Candidate == "" {
		return nil, fmt.Errorf("signal: empty candidate payload")
	}
	return &c, nil
}

func EncodeBye(b *Bye) []byte {
	p := appendString(nil, fieldPeer, b.From)
	p = appendUint(p, fieldAttempt, b.Attempt)
	return appendString(p, fieldReason, b.Reason)
}

func DecodeBye(payload []byte) (*Bye, error) {
	var b Bye
	err := walk(payload, func(num protowire.Number, typ protowire.Type, p []byte) (int, error) {
		switch {
		case num == fieldPeer && typ == protowire.BytesType:
			return consumeString(p, &b.From)
		case num == fieldAttempt && typ == protowire.VarintType:
			return consumeUint(p, &b.Attempt)
		case num == fieldReason && typ == protowire.BytesType:
			return consumeString(p, &b.Reason)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func EncodeAlert(a *Alert) []byte {
	b := appendString(nil, fieldMeeting, a.Meeting)
	b = appendString(b, fieldLabel, a.Label)
	b = appendFloat(b, fieldScore, a.Score)
	return appendBool(b, fieldHigh, a.High)
}

func DecodeAlert(payload []byte) (*Alert, error) {
	var a Alert
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldMeeting && typ == protowire.BytesType:
			return consumeString(b, &a.Meeting)
		case num == fieldLabel && typ == protowire.BytesType:
			return consumeString(b, &a.Label)
		case num == fieldScore && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.Score = math.Float64frombits(v)
			return n, nil
		case num == fieldHigh && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.High = v != 0
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
