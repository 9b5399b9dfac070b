package gossip

import (
	"encoding/json"

	"github.com/pixelspark/catena-sub001/catenaerr"
)

// wireFrame is the on-the-wire shape of a Frame: a two-element JSON array,
// [counter, body] (spec §6 "Message frame").
type wireFrame struct {
	Counter uint64
	Body    envelope
}

func (f wireFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{f.Counter, f.Body})
}

func (f *wireFrame) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}
	if err := json.Unmarshal(raw[0], &f.Counter); err != nil {
		return catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}
	if err := json.Unmarshal(raw[1], &f.Body); err != nil {
		return catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}
	return nil
}

// EncodeFrame renders f as the raw bytes that go out on the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	env, err := bodyToEnvelope(f.Body)
	if err != nil {
		return nil, catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}
	b, err := json.Marshal(wireFrame{Counter: f.Counter, Body: env})
	if err != nil {
		return nil, catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}
	return b, nil
}

// DecodeFrame parses raw wire bytes into a Frame, surfacing malformed input
// and unknown message types as *catenaerr.Error rather than panicking (spec
// §7: a corrupted frame closes the connection, it never takes the node down).
func DecodeFrame(raw []byte) (Frame, error) {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		if _, ok := err.(*catenaerr.Error); ok {
			return Frame{}, err
		}
		return Frame{}, catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}
	body, err := envelopeToBody(wf.Body)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Counter: wf.Counter, Body: body}, nil
}
