package audio

import (
	"math"
	"testing"
)

func TestEncodeDecodeWAV(t *testing.T) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}

	data, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(data) != 44+len(samples)*2 {
		t.Errorf("Expected %d bytes, got %d", 44+len(samples)*2, len(data))
	}

	decoded, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}

	// PCM-16 quantization loses precision; stay within one LSB.
	for i := range samples {
		if diff := math.Abs(float64(samples[i] - decoded[i])); diff > 1.0/32767 {
			t.Fatalf("Sample %d: expected %f, got %f (diff %f)", i, samples[i], decoded[i], diff)
		}
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}

	if _, err := EncodeWAV(make([]float32, 16), 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("short")); err == nil {
		t.Error("Expected error for truncated data")
	}

	valid, err := EncodeWAV(make([]float32, 16), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	corrupted := make([]byte, len(valid))
	copy(corrupted, valid)
	copy(corrupted[0:4], "JUNK")
	if _, _, err := DecodeWAV(corrupted); err == nil {
		t.Error("Expected error for missing RIFF header")
	}
}

func TestGetWAVDuration(t *testing.T) {
	data, err := EncodeWAV(make([]float32, 1600), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	duration, err := GetWAVDuration(data)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}

	if math.Abs(duration-0.1) > 1e-9 {
		t.Errorf("Expected 0.1s duration, got %f", duration)
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1.5, -1.5}
	pcm := Float32ToPCM16(samples)
	if len(pcm) != len(samples)*2 {
		t.Fatalf("Expected %d bytes, got %d", len(samples)*2, len(pcm))
	}

	back := PCM16ToFloat32(pcm)
	if back[0] != 0 {
		t.Errorf("Expected 0, got %f", back[0])
	}
	// Out-of-range inputs clip to full scale.
	if math.Abs(float64(back[3])-1.0) > 2.0/32767 {
		t.Errorf("Expected clipping to ~1.0, got %f", back[3])
	}
	if math.Abs(float64(back[4])+1.0) > 2.0/32767 {
		t.Errorf("Expected clipping to ~-1.0, got %f", back[4])
	}
}
