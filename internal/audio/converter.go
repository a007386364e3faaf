package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ConvertFloatToPCM16 converts float samples in [-1, 1] at inputSampleRate to
// 16-bit signed little-endian PCM at outputSampleRate.
func ConvertFloatToPCM16(samples []float32, inputSampleRate, outputSampleRate int) []byte {
	if len(samples) == 0 {
		return nil
	}

	if inputSampleRate != outputSampleRate {
		samples = Resample(samples, inputSampleRate, outputSampleRate)
	}

	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(QuantizePCM16(sample)))
	}

	return pcm
}

// Resample performs linear interpolation resampling.
// Output length is floor(len / (inputRate/outputRate)), and at least one
// sample for non-empty input.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLength := int(math.Floor(float64(len(samples)) / ratio))
	if outputLength < 1 {
		outputLength = 1
	}
	output := make([]float32, outputLength)

	last := len(samples) - 1
	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) * ratio

		idx0 := int(srcPos)
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}

		fraction := srcPos - float64(idx0)
		output[i] = float32(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// QuantizePCM16 clamps v to [-1, 1] and scales it asymmetrically onto [-32768, 32767]
func QuantizePCM16(v float32) int16 {
	f := float64(v)
	if math.IsNaN(f) {
		return 0
	}
	if f > 1.0 {
		f = 1.0
	} else if f < -1.0 {
		f = -1.0
	}

	if f >= 0 {
		return int16(math.Round(f * 32767))
	}
	return int16(math.Round(f * 32768))
}

// Downmix averages interleaved multi-channel samples into mono
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}

	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}

	return mono
}

// BytesToSamples decodes PCM16LE bytes into samples
func BytesToSamples(pcmData []byte) ([]int16, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}
	return samples, nil
}
