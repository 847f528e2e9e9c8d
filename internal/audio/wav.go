package audio

import (
	"fmt"
	"os"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// Info describes a decoded WAV file.
type Info struct {
	SampleRate int
	Channels   int
	Samples    int
	Duration   time.Duration
}

// Seconds returns the duration in seconds.
func (i Info) Seconds() float64 { return i.Duration.Seconds() }

// Stat reads the WAV header of path.
func Stat(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	s, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return Info{}, fmt.Errorf("decode wav: %w", err)
	}
	defer s.Close()
	return Info{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		Samples:    s.Len(),
		Duration:   format.SampleRate.D(s.Len()),
	}, nil
}

// ReadMono decodes path and averages its channels into one sample slice.
func ReadMono(path string) ([]float64, Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, err
	}
	s, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return nil, Info{}, fmt.Errorf("decode wav: %w", err)
	}
	defer s.Close()

	info := Info{
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		Samples:    s.Len(),
		Duration:   format.SampleRate.D(s.Len()),
	}
	gain := pcmGain(format.Precision)
	out := make([]float64, 0, s.Len())
	buf := make([][2]float64, 4096)
	for {
		n, ok := s.Stream(buf)
		for _, smp := range buf[:n] {
			out = append(out, gain*(smp[0]+smp[1])/2)
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, Info{}, fmt.Errorf("stream wav: %w", err)
	}
	return out, info, nil
}

// pcmGain corrects the wav decoder's scaling of signed PCM. It divides by
// 2^bits-1 rather than 2^(bits-1), which leaves full scale at 0.5.
func pcmGain(precision int) float64 {
	switch precision {
	case 2:
		return (1<<16 - 1) / float64(1<<15)
	case 3:
		return (1<<24 - 1) / float64(1<<23)
	default:
		return 1
	}
}

// WriteMono encodes samples in [-1, 1] as 16-bit mono WAV.
func WriteMono(path string, samples []float64, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	format := beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: 1, Precision: 2}
	return wav.Encode(f, &sliceStreamer{samples: samples}, format)
}

type sliceStreamer struct {
	samples []float64
	pos     int
}

func (s *sliceStreamer) Stream(buf [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy2(buf, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *sliceStreamer) Err() error { return nil }

func copy2(dst [][2]float64, src []float64) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = [2]float64{src[i], src[i]}
	}
	return n
}
