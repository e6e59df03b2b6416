package speech

import (
	"encoding/binary"
	"math"
	"os"
	"time"
)

const (
	toneFrequencyHz = 800
	toneDuration    = 500 * time.Millisecond
	toneFade        = 50 * time.Millisecond
)

// ErrorTone returns the PCM played to a satellite when a command fails,
// as s16le mono at sampleRate. If path names a readable file its contents
// are used as-is; otherwise a short sine beep is synthesized.
func ErrorTone(path string, sampleRate int) []byte {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil && len(data) >= 2 {
			return data
		}
	}
	return synthesizeBeep(sampleRate)
}

// synthesizeBeep renders a 0.5s 800Hz sine with 50ms linear fades at each
// end so the tone does not click.
func synthesizeBeep(sampleRate int) []byte {
	total := int(float64(sampleRate) * toneDuration.Seconds())
	fade := int(float64(sampleRate) * toneFade.Seconds())

	out := make([]byte, total*2)
	for i := 0; i < total; i++ {
		v := math.Sin(2 * math.Pi * toneFrequencyHz * float64(i) / float64(sampleRate))
		gain := 1.0
		if i < fade {
			gain = float64(i) / float64(fade)
		} else if i >= total-fade {
			gain = float64(total-i) / float64(fade)
		}
		sample := int16(v * gain * 0.8 * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}
