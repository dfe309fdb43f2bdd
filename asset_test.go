package omnisync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia-omniverse/omnisync/protocol"
)

func TestPurseAssetSpecs(t *testing.T) {
	asset := NewPurseAsset()
	assert.Equal(t, "purse", asset.Name)

	gated := map[string]bool{}
	for _, spec := range asset.Specs {
		require.NotNil(t, spec.Initial, spec.Key)
		gated[spec.Key] = spec.ServerNotifiesCompletion
	}
	assert.False(t, gated[KeyColor])
	assert.True(t, gated[KeyViewingMode])
}

func TestStateValueEncoding(t *testing.T) {
	msg := Color("#8b0000").Encode()
	assert.Equal(t, KeyColor, msg.Type())
	assert.Equal(t, "#8b0000", msg.Variant())

	msg = StyleTote.Encode()
	assert.Equal(t, KeyStyle, msg.Type())
	assert.Equal(t, "tote", msg.Variant())

	data, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := protocol.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "tote", decoded.Variant())
}

func TestValueForKeyRoundTrip(t *testing.T) {
	asset := NewPurseAsset()
	for _, spec := range asset.Specs {
		v, ok := ValueForKey(spec.Key, spec.Initial.Variant())
		require.True(t, ok, spec.Key)
		assert.Equal(t, spec.Initial.Variant(), v.Variant(), spec.Key)
	}
}

func TestValueForKeyRejectsGarbage(t *testing.T) {
	_, ok := ValueForKey(KeyStyle, "backpack")
	assert.False(t, ok)
	_, ok = ValueForKey(KeyLightIntensity, "bright")
	assert.False(t, ok)
	_, ok = ValueForKey("strap", "long")
	assert.False(t, ok)

	// color is free-form
	v, ok := ValueForKey(KeyColor, "#123456")
	assert.True(t, ok)
	assert.Equal(t, Color("#123456"), v)
}
