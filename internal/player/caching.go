package player

import "math"

// Lower bounds applied at bias 0, and the minimum upper bounds for live and file caching.
const (
	MinNetworkCachingMS = 2000
	MinLiveCachingMS    = 1500
	MinFileCachingMS    = 1000

	LiveUpperFloorMS = 6000
	FileUpperFloorMS = 5000

	// MaxNetworkCachingMS caps what is handed to a player regardless of config.
	MaxNetworkCachingMS = 12000
)

// Caching holds concrete buffer durations in milliseconds.
type Caching struct {
	NetworkMS uint32
	LiveMS    uint32
	FileMS    uint32
}

// ApplyBias maps a 0..100 bias onto the three caching channels by linear interpolation
// between the fixed lower bounds and the configured uppers.
func ApplyBias(bias int, networkUpper, liveUpper, fileUpper uint32) Caching {
	if bias < 0 {
		bias = 0
	}
	if bias > 100 {
		bias = 100
	}
	if liveUpper < LiveUpperFloorMS {
		liveUpper = LiveUpperFloorMS
	}
	if fileUpper < FileUpperFloorMS {
		fileUpper = FileUpperFloorMS
	}
	return Caching{
		NetworkMS: lerp(MinNetworkCachingMS, networkUpper, bias),
		LiveMS:    lerp(MinLiveCachingMS, liveUpper, bias),
		FileMS:    lerp(MinFileCachingMS, fileUpper, bias),
	}
}

// lerp rounds half away from zero. An upper below the lower bound interpolates downward
// and never goes below upper, so the result stays non-negative.
func lerp(lower, upper uint32, bias int) uint32 {
	span := float64(int64(upper) - int64(lower))
	v := int64(lower) + int64(math.Round(span*float64(bias)/100))
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// CapNetwork clamps a network caching value to MaxNetworkCachingMS.
func CapNetwork(ms uint32) (uint32, bool) {
	if ms > MaxNetworkCachingMS {
		return MaxNetworkCachingMS, true
	}
	return ms, false
}
