package session

import (
	"encoding/json"
	"maps"
	"strconv"
)

// VoiceSettings are passed through to the voice service unmodified apart from clamping.
type VoiceSettings struct {
	VoiceID         string
	Stability       float64
	SimilarityBoost float64
	Style           float64
	UseSpeakerBoost bool
	// Extra holds unknown keys verbatim so newer clients can round-trip them.
	Extra map[string]any
}

var settingAliases = map[string]string{
	"voice_id":          "voice_id",
	"voiceId":           "voice_id",
	"stability":         "stability",
	"similarity_boost":  "similarity_boost",
	"similarityBoost":   "similarity_boost",
	"style":             "style",
	"use_speaker_boost": "use_speaker_boost",
	"useSpeakerBoost":   "use_speaker_boost",
	"speakerBoost":      "use_speaker_boost",
}

// Keys that ride along in a start request body but are not voice settings.
var nonSettingKeys = map[string]struct{}{
	"reddit_url": {},
	"threadUrl":  {},
	"thread_url": {},
}

// Merge returns a copy of v with partial applied. Known keys with the wrong type are ignored.
func (v VoiceSettings) Merge(partial map[string]any) VoiceSettings {
	out := v.Clone()
	for key, raw := range partial {
		if _, skip := nonSettingKeys[key]; skip {
			continue
		}
		canonical, known := settingAliases[key]
		if !known {
			if out.Extra == nil {
				out.Extra = make(map[string]any)
			}
			out.Extra[key] = raw
			continue
		}
		switch canonical {
		case "voice_id":
			if s, ok := raw.(string); ok && s != "" {
				out.VoiceID = s
			}
		case "stability":
			if f, ok := asFloat(raw); ok {
				out.Stability = clampUnit(f)
			}
		case "similarity_boost":
			if f, ok := asFloat(raw); ok {
				out.SimilarityBoost = clampUnit(f)
			}
		case "style":
			if f, ok := asFloat(raw); ok {
				out.Style = clampUnit(f)
			}
		case "use_speaker_boost":
			if b, ok := asBool(raw); ok {
				out.UseSpeakerBoost = b
			}
		}
	}
	return out
}

// Clone deep-copies Extra.
func (v VoiceSettings) Clone() VoiceSettings {
	c := v
	if v.Extra != nil {
		c.Extra = maps.Clone(v.Extra)
	}
	return c
}

// MarshalJSON flattens Extra next to the known keys.
func (v VoiceSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Extra)+5)
	for k, val := range v.Extra {
		out[k] = val
	}
	out["voice_id"] = v.VoiceID
	out["stability"] = v.Stability
	out["similarity_boost"] = v.SimilarityBoost
	out["style"] = v.Style
	out["use_speaker_boost"] = v.UseSpeakerBoost
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flattened shape produced by MarshalJSON.
func (v *VoiceSettings) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = VoiceSettings{}.Merge(raw)
	return nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	default:
		return false, false
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
