package avenc

import "sync/atomic"

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderNative  Provider = iota // Pure Go, always available
	ProviderX264                    // GPL H.264 via libmedia_h264
	ProviderLibopus                 // BSD Opus via libstream_opus
	ProviderDevice                  // Encoder exposed by the GPU device
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL License = iota // Copyleft - requires source disclosure
	LicenseBSD                // Permissive - no copyleft obligations
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	default:
		return "unknown"
	}
}

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureBFrames        Features = 1 << iota // B-frame support
	Feature10Bit                               // 10-bit color depth
	FeatureLowLatency                          // Intra refresh / zero-latency tuning
	FeatureDynamicBitrate                      // Runtime bitrate changes
	FeatureHWFrames                            // Consumes device-native frames
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

type providerMeta struct {
	Name     string
	License  License
	Features Features
}

// Indexed by Provider.
var providerInfo = [providerCount]providerMeta{
	ProviderNative:  {"native", LicenseBSD, 0},
	ProviderX264:    {"x264", LicenseGPL, FeatureBFrames | FeatureLowLatency | FeatureDynamicBitrate | Feature10Bit},
	ProviderLibopus: {"libopus", LicenseBSD, FeatureDynamicBitrate | FeatureLowLatency},
	ProviderDevice:  {"device", LicenseBSD, FeatureLowLatency | Feature10Bit | FeatureHWFrames},
}

// Runtime availability, set by the provider implementations once their
// libraries load.
var providerAvailable [providerCount]atomic.Bool

func init() {
	setProviderAvailable(ProviderNative)
	setProviderAvailable(ProviderDevice)
}

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}
