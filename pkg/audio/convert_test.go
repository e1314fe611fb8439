package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian PCM.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian PCM to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	// 2 complete samples plus a junk byte.
	stereo := audio.MonoToStereo([]byte{0x64, 0x00, 0xC8, 0x00, 0xFF})
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(stereo))
	}
	if got, want := bytesToSamples(stereo), []int16{100, 100, 200, 200}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{"average", []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"clamp", []int16{32767, 32767}, []int16{32767}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := bytesToSamples(audio.StereoToMono(samplesToBytes(tc.in)))
			if !slices.Equal(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate", func(t *testing.T) {
		pcm := samplesToBytes([]int16{100, 200, 300})
		if out := audio.ResampleMono16(pcm, 48000, 48000); len(out) != len(pcm) {
			t.Fatalf("length = %d, want %d", len(out), len(pcm))
		}
	})

	t.Run("upsample", func(t *testing.T) {
		got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
		if len(got) != 6 {
			t.Fatalf("expected 6 samples, got %d", len(got))
		}
		if got[0] != 1000 {
			t.Errorf("first sample = %d, want 1000", got[0])
		}
		if last := got[len(got)-1]; last < 1800 || last > 2200 {
			t.Errorf("last sample = %d, want close to 2000", last)
		}
	})

	t.Run("downsample", func(t *testing.T) {
		got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 48000, 16000))
		if len(got) != 2 {
			t.Fatalf("expected 2 samples, got %d", len(got))
		}
	})

	t.Run("invalid rates", func(t *testing.T) {
		pcm := samplesToBytes([]int16{100, 200})
		for _, rates := range [][2]int{{0, 48000}, {48000, 0}, {-1, 48000}} {
			if out := audio.ResampleMono16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
				t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
			}
		}
	})
}

func TestResampleStereo16(t *testing.T) {
	got := bytesToSamples(audio.ResampleStereo16(samplesToBytes([]int16{100, 200, 300, 400}), 16000, 48000))
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
	// Channels must not bleed into each other.
	if got[0] != 100 || got[1] != 200 {
		t.Errorf("first frame = (%d, %d), want (100, 200)", got[0], got[1])
	}
}

func TestConverter_NoOp(t *testing.T) {
	conv := audio.Converter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	frame := audio.Frame{Data: samplesToBytes([]int16{100, 200}), SampleRate: 48000, Channels: 2}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected the same slice for a matching format")
	}
}

func TestConverter_FullConversion(t *testing.T) {
	conv := audio.Converter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.Frame{
		Data:       samplesToBytes([]int16{1000, 2000}),
		SampleRate: 22050,
		Channels:   1,
		Timestamp:  40 * time.Millisecond,
	})
	if result.Format() != conv.Target {
		t.Errorf("format = %s, want %s", result.Format(), conv.Target)
	}
	got := bytesToSamples(result.Data)
	if len(got) == 0 || len(got)%2 != 0 {
		t.Errorf("expected non-empty stereo output, got %d samples", len(got))
	}
	if result.Timestamp != 40*time.Millisecond {
		t.Errorf("timestamp = %v, want 40ms", result.Timestamp)
	}
}

func TestConverter_OddByteCount(t *testing.T) {
	conv := audio.Converter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	for _, rate := range []int{22050, 48000} {
		result := conv.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: rate, Channels: 1})
		if len(result.Data) != 0 {
			t.Errorf("rate %d: expected empty data, got %d bytes", rate, len(result.Data))
		}
		if result.Format() != conv.Target {
			t.Errorf("rate %d: dropped frame format = %s, want target", rate, result.Format())
		}
	}
}

func TestFormat_Duration(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := f.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	if got := (audio.Format{}).Duration(32000); got != 0 {
		t.Errorf("invalid format Duration = %v, want 0", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("String = %q", got)
	}
}
