package protocol

import (
	"encoding/json"
	"errors"

	"github.com/cespare/xxhash"
)

// Message type discriminators understood by the configurator core.
// Servers are free to send additional types; unknown ones flow through
// the dispatcher to whichever listener cares.
const (
	MsgLoadingStateFinished = "loadingStateFinished"
	MsgRequestShapeInfo     = "requestShapeInfo"
	MsgShapeInfo            = "shapeInfo"
	MsgCameraTransform      = "cameraTransform"
	MsgSetPrimTransform     = "setPrimTransform"
	MsgFrameRate            = "frameRate"
)

// Field names shared by several message types.
const (
	FieldType     = "Type"
	FieldVariant  = "variant"
	FieldPath     = "primPath"
	FieldData     = "data"
	FieldMatrix   = "matrix"
	FieldFPS      = "fps"
	FieldPosition = "position"
)

var ErrBadMessage = errors.New("bad server message")

// Message is a free-form JSON object with a "Type" discriminator.
type Message map[string]any

// Type returns the discriminator, accepting both "Type" and "type".
func (m Message) Type() string {
	if t, ok := m[FieldType].(string); ok {
		return t
	}
	if t, ok := m["type"].(string); ok {
		return t
	}
	return ""
}

// Variant returns the variant-name field of completion notifications.
func (m Message) Variant() string {
	v, _ := m[FieldVariant].(string)
	return v
}

// String returns the named field as a string, or "".
func (m Message) String(field string) string {
	v, _ := m[field].(string)
	return v
}

// Float returns the named field as a float64.
func (m Message) Float(field string) (float64, bool) {
	v, ok := m[field].(float64)
	return v, ok
}

// Floats returns the named field as a numeric array.
func (m Message) Floats(field string) ([]float64, bool) {
	raw, ok := m[field].([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(raw))
	for _, e := range raw {
		f, ok := e.(float64)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type() == "" {
		return nil, ErrBadMessage
	}
	return m, nil
}

// Fingerprint hashes an encoded payload for cheap equality checks.
func Fingerprint(data []byte) uint64 {
	return xxhash.Sum64(data)
}
