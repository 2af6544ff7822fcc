package tools

import "time"

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// FrameBytes is the size of a PCM16 frame of the given duration.
func FrameBytes(duration time.Duration, rate, channels int) int {
	return FrameSamples(duration, rate, channels) * 2
}
