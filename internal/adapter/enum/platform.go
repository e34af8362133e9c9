package enum

import "strings"

type Platform uint8

const (
	_platform_beg Platform = iota
	PlatformBTCC
	PlatformBinance
	_platform_end
)

func (p Platform) IsAvailable() bool {
	return p > _platform_beg && p < _platform_end
}

func (p Platform) String() string {
	switch p {
	case PlatformBTCC:
		return "btcc"
	case PlatformBinance:
		return "binance"
	default:
		return "unknown"
	}
}

// ParsePlatform resolves a configured venue name. It returns the zero value for unknown names.
func ParsePlatform(name string) Platform {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "btcc":
		return PlatformBTCC
	case "binance":
		return PlatformBinance
	default:
		return _platform_beg
	}
}
