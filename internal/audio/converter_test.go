package audio

import (
	"math"
	"testing"
)

func TestResample_DownsampleTwoSamples(t *testing.T) {
	out := Resample([]float32{1.0, -1.0}, 48000, 16000)

	if len(out) != 1 {
		t.Fatalf("Expected 1 output sample, got %d", len(out))
	}
	if out[0] != 1.0 {
		t.Errorf("Expected interpolated value 1.0 at index 0, got %v", out[0])
	}

	pcm := ConvertFloatToPCM16([]float32{1.0, -1.0}, 48000, 16000)
	samples, err := BytesToSamples(pcm)
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}
	if len(samples) != 1 || samples[0] != 32767 {
		t.Errorf("Expected [32767], got %v", samples)
	}
}

func TestQuantizePCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{1.0, 32767},
		{-1.0, -32768},
		{0.0, 0},
		{0.5, 16384}, // round(16383.5)
		{-0.5, -16384},
		{1.7, 32767},
		{-3.0, -32768},
		{float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		if got := QuantizePCM16(tt.in); got != tt.want {
			t.Errorf("QuantizePCM16(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestResample(t *testing.T) {
	tests := []struct {
		name       string
		inputLen   int
		inputRate  int
		outputRate int
		wantLen    int
	}{
		{"48k to 16k", 4800, 48000, 16000, 1600},
		{"32k to 16k", 3200, 32000, 16000, 1600},
		{"16k to 48k", 160, 16000, 48000, 480},
		{"same rate", 320, 16000, 16000, 320},
		{"uneven floor", 7, 48000, 16000, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := make([]float32, tt.inputLen)
			out := Resample(samples, tt.inputRate, tt.outputRate)
			if len(out) != tt.wantLen {
				t.Errorf("Expected %d samples, got %d", tt.wantLen, len(out))
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	// Upsampling a ramp should land between the source points
	out := Resample([]float32{0.0, 1.0}, 16000, 32000)
	if len(out) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(out))
	}
	want := []float32{0.0, 0.5, 1.0, 1.0}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("Sample %d: expected %v, got %v", i, want[i], out[i])
		}
	}
}

func TestConvertFloatToPCM16_Empty(t *testing.T) {
	if pcm := ConvertFloatToPCM16(nil, 48000, 16000); len(pcm) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(pcm))
	}
}

func TestConvertFloatToPCM16_LittleEndian(t *testing.T) {
	pcm := ConvertFloatToPCM16([]float32{-1.0}, 16000, 16000)
	if len(pcm) != 2 {
		t.Fatalf("Expected 2 bytes, got %d", len(pcm))
	}
	// -32768 = 0x8000
	if pcm[0] != 0x00 || pcm[1] != 0x80 {
		t.Errorf("Expected [0x00 0x80], got %#v", pcm)
	}
}

func TestDownmix(t *testing.T) {
	mono := Downmix([]float32{1.0, 0.0, -0.5, -0.5}, 2)
	if len(mono) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(mono))
	}
	if mono[0] != 0.5 || mono[1] != -0.5 {
		t.Errorf("Expected [0.5 -0.5], got %v", mono)
	}

	in := []float32{0.1, 0.2}
	if out := Downmix(in, 1); len(out) != 2 {
		t.Errorf("Expected mono input unchanged, got %v", out)
	}
}

func TestBytesToSamples(t *testing.T) {
	if _, err := BytesToSamples([]byte{0x01}); err == nil {
		t.Error("Expected error for odd length")
	}

	samples, err := BytesToSamples([]byte{0xff, 0x7f, 0x00, 0x80})
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}
	if samples[0] != 32767 || samples[1] != -32768 {
		t.Errorf("Expected [32767 -32768], got %v", samples)
	}
}
