package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control is a received control message: its kind plus the raw JSON for a
// second, kind-specific decode. An unrecognized kind still decodes
// successfully so receivers can log and ignore it.
type Control struct {
	Kind string
	Raw  json.RawMessage
}

// DecodeControl classifies one text message from the wire. It fails only if
// the bytes are not a JSON object or the "type" discriminator is missing.
func DecodeControl(data []byte) (Control, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Control{}, fmt.Errorf("parse control message: %w", err)
	}
	if probe.Type == "" {
		return Control{}, errors.New("control message missing type")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Control{Kind: probe.Type, Raw: raw}, nil
}

// Decode unmarshals the full message into the kind-specific struct.
func (c Control) Decode(out any) error {
	if err := json.Unmarshal(c.Raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", c.Kind, err)
	}
	return nil
}
