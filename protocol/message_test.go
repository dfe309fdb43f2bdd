package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageRoundtrip(t *testing.T) {
	m := Message{
		FieldType:    MsgLoadingStateFinished,
		FieldVariant: "tabletop",
	}

	data, err := m.Encode()
	assert.Nil(t, err)

	back, err := DecodeMessage(data)
	assert.Nil(t, err)
	assert.Equal(t, MsgLoadingStateFinished, back.Type())
	assert.Equal(t, "tabletop", back.Variant())
}

func TestMessageLowercaseType(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"frameRate","fps":30}`))
	assert.Nil(t, err)
	assert.Equal(t, MsgFrameRate, m.Type())

	fps, ok := m.Float("fps")
	assert.True(t, ok)
	assert.Equal(t, 30.0, fps)
}

func TestMessageNoType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"fps":30}`))
	assert.Equal(t, ErrBadMessage, err)

	_, err = DecodeMessage([]byte(`not json`))
	assert.NotNil(t, err)
}

func TestMessageFloats(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"Type":"cameraTransform","matrix":[1,0,0,0,0,1,0,0,0,0,1,0,4,5,6,1]}`))
	assert.Nil(t, err)

	mat, ok := m.Floats("matrix")
	assert.True(t, ok)
	assert.Equal(t, 16, len(mat))
	assert.Equal(t, 4.0, mat[12])

	_, ok = m.Floats("missing")
	assert.False(t, ok)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte(`{"Type":"color","value":"#8b0000"}`))
	b := Fingerprint([]byte(`{"Type":"color","value":"#8b0000"}`))
	c := Fingerprint([]byte(`{"Type":"color","value":"#000000"}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
