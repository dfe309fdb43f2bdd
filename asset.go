package omnisync

import (
	"strconv"

	"github.com/nvidia-omniverse/omnisync/protocol"
)

// State keys of the configurable asset.
const (
	KeyColor          = "color"
	KeyStyle          = "style"
	KeyEnvironment    = "environment"
	KeyCamera         = "camera"
	KeyViewingMode    = "viewingMode"
	KeyLightIntensity = "lightIntensity"
	KeyLightRotation  = "lightRotation"
)

// StateValue is a desired value for one state key. Encode produces the
// wire message that asks the server to apply it; Variant is the name a
// completion notification echoes back.
//
// Each category is a closed set of variants with its own concrete type
// rather than an open interface hierarchy: the variants an asset offers
// are static.
type StateValue interface {
	Variant() string
	Encode() protocol.Message
}

// Color is a hex color applied to the asset's configurable material.
type Color string

func (c Color) Variant() string { return string(c) }

func (c Color) Encode() protocol.Message {
	return protocol.Message{
		protocol.FieldType:    KeyColor,
		protocol.FieldVariant: string(c),
		"value":               string(c),
	}
}

// Style selects the asset geometry variant.
type Style string

const (
	StyleShoulder Style = "shoulder"
	StyleTote     Style = "tote"
	StyleClutch   Style = "clutch"
)

func (s Style) Variant() string { return string(s) }

func (s Style) Encode() protocol.Message {
	return protocol.Message{
		protocol.FieldType:    KeyStyle,
		protocol.FieldVariant: string(s),
	}
}

// Environment selects the lighting environment rendered behind the asset.
type Environment string

const (
	EnvironmentStudio Environment = "studio"
	EnvironmentSunset Environment = "sunset"
	EnvironmentLoft   Environment = "loft"
)

func (e Environment) Variant() string { return string(e) }

func (e Environment) Encode() protocol.Message {
	return protocol.Message{
		protocol.FieldType:    KeyEnvironment,
		protocol.FieldVariant: string(e),
	}
}

// CameraView selects a server-side camera.
type CameraView string

const (
	CameraFront        CameraView = "front"
	CameraSide         CameraView = "side"
	CameraTop          CameraView = "top"
	CameraThreeQuarter CameraView = "threeQuarter"
)

func (c CameraView) Variant() string { return string(c) }

func (c CameraView) Encode() protocol.Message {
	return protocol.Message{
		protocol.FieldType:    KeyCamera,
		protocol.FieldVariant: string(c),
	}
}

// ViewingMode switches between the tabletop and portal presentations.
// The server reloads the scene for this, so convergence is confirmed by
// an explicit completion notification rather than assumed on send.
type ViewingMode string

const (
	ViewingModeTabletop ViewingMode = "tabletop"
	ViewingModePortal   ViewingMode = "portal"
)

func (v ViewingMode) Variant() string { return string(v) }

func (v ViewingMode) Encode() protocol.Message {
	return protocol.Message{
		protocol.FieldType:    KeyViewingMode,
		protocol.FieldVariant: string(v),
	}
}

// LightIntensity scales the environment light.
type LightIntensity float64

func (l LightIntensity) Variant() string {
	return strconv.FormatFloat(float64(l), 'f', -1, 64)
}

func (l LightIntensity) Encode() protocol.Message {
	return protocol.Message{
		protocol.FieldType: KeyLightIntensity,
		"value":            float64(l),
	}
}

// LightRotation rotates the environment light around the vertical axis,
// in degrees.
type LightRotation float64

func (l LightRotation) Variant() string {
	return strconv.FormatFloat(float64(l), 'f', -1, 64)
}

func (l LightRotation) Encode() protocol.Message {
	return protocol.Message{
		protocol.FieldType: KeyLightRotation,
		"value":            float64(l),
	}
}

// StateSpec declares one entry of an asset's state dictionary.
type StateSpec struct {
	Key                      string
	Initial                  StateValue
	ServerNotifiesCompletion bool
}

// Asset is the configurable product: a name plus the state dictionary
// it starts a session with. The asset owns its state; view layers read
// through the state manager, never the other way around.
type Asset struct {
	Name  string
	Specs []StateSpec
}

// NewPurseAsset builds the sample purse configurator asset. Only the
// viewing mode is confirmation-gated; everything else is fire and
// forget.
func NewPurseAsset() *Asset {
	return &Asset{
		Name: "purse",
		Specs: []StateSpec{
			{Key: KeyColor, Initial: Color("#8b0000")},
			{Key: KeyStyle, Initial: StyleShoulder},
			{Key: KeyEnvironment, Initial: EnvironmentStudio},
			{Key: KeyCamera, Initial: CameraFront},
			{Key: KeyViewingMode, Initial: ViewingModeTabletop, ServerNotifiesCompletion: true},
			{Key: KeyLightIntensity, Initial: LightIntensity(1.0)},
			{Key: KeyLightRotation, Initial: LightRotation(0)},
		},
	}
}

// ValueForKey parses a textual variant into the key's value type; used
// by the journal restore path and the interactive client.
func ValueForKey(key, variant string) (StateValue, bool) {
	switch key {
	case KeyColor:
		return Color(variant), true
	case KeyStyle:
		switch Style(variant) {
		case StyleShoulder, StyleTote, StyleClutch:
			return Style(variant), true
		}
	case KeyEnvironment:
		switch Environment(variant) {
		case EnvironmentStudio, EnvironmentSunset, EnvironmentLoft:
			return Environment(variant), true
		}
	case KeyCamera:
		switch CameraView(variant) {
		case CameraFront, CameraSide, CameraTop, CameraThreeQuarter:
			return CameraView(variant), true
		}
	case KeyViewingMode:
		switch ViewingMode(variant) {
		case ViewingModeTabletop, ViewingModePortal:
			return ViewingMode(variant), true
		}
	case KeyLightIntensity:
		if f, err := strconv.ParseFloat(variant, 64); err == nil {
			return LightIntensity(f), true
		}
	case KeyLightRotation:
		if f, err := strconv.ParseFloat(variant, 64); err == nil {
			return LightRotation(f), true
		}
	}
	return nil, false
}
