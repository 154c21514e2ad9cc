package audio

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/hajimehoshi/go-mp3"
)

// Format describes a voice service output format such as "mp3_22050_32" or "pcm_16000".
type Format struct {
	Codec      string
	SampleRate int
	BitrateK   int
}

// ParseFormat parses the codec_samplerate[_bitrate] naming used by the voice service.
func ParseFormat(name string) (Format, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(name)), "_")
	if len(parts) < 2 || parts[0] == "" {
		return Format{}, fmt.Errorf("invalid output format %q", name)
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil || rate <= 0 {
		return Format{}, fmt.Errorf("invalid sample rate in output format %q", name)
	}
	f := Format{Codec: parts[0], SampleRate: rate}
	if len(parts) > 2 {
		if f.BitrateK, err = strconv.Atoi(parts[2]); err != nil {
			return Format{}, fmt.Errorf("invalid bitrate in output format %q", name)
		}
	}
	return f, nil
}

func (f Format) IsPCM() bool { return f.Codec == "pcm" }

// ContainerName is the format of the bytes pushed to clients. PCM is wrapped in WAV.
func (f Format) ContainerName() string {
	switch f.Codec {
	case "pcm":
		return "wav"
	case "":
		return "mp3"
	default:
		return f.Codec
	}
}

// MIMEType returns the browser MIME type for ContainerName.
func (f Format) MIMEType() string {
	switch f.ContainerName() {
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "ulaw", "alaw":
		return "audio/basic"
	default:
		return "audio/mpeg"
	}
}

// MP3DurationMS decodes the mp3 frame headers to measure playback length.
// Undecodable input yields 0.
func MP3DurationMS(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	// Length is in bytes of 16-bit stereo PCM output.
	length := dec.Length()
	rate := dec.SampleRate()
	if length <= 0 || rate <= 0 {
		return 0
	}
	return length / 4 * 1000 / int64(rate)
}

// Prepare converts raw voice service output into the bytes sent to clients and reports
// the playback duration when it can be measured.
func Prepare(f Format, raw []byte) ([]byte, int64, error) {
	switch {
	case f.IsPCM():
		wav, err := EncodeWAVPCM16LE(raw, f.SampleRate)
		if err != nil {
			return nil, 0, err
		}
		return wav, PCMDurationMS(raw, f.SampleRate), nil
	case f.Codec == "mp3":
		return raw, MP3DurationMS(raw), nil
	default:
		return raw, 0, nil
	}
}
