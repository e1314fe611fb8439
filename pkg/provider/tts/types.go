package tts

// VoiceProfile names a speaker on one backend.
type VoiceProfile struct {
	// ID is what the backend expects in its voice field, e.g. an ElevenLabs
	// voice_id or a Piper model name.
	ID string

	// Name is the display name reported by ListVoices.
	Name string

	// Provider is the backend name the profile came from.
	Provider string

	// SpeedFactor is the voice's preferred speaking rate. Zero means the
	// backend default. [Request.Speed] takes precedence when set.
	SpeedFactor float64

	// Metadata carries backend labels such as gender, accent or model path.
	Metadata map[string]string
}

// EffectiveSpeed resolves the speaking rate for r: the request override, then
// the voice preference, then zero for the backend default.
func (r Request) EffectiveSpeed() float64 {
	if r.Speed > 0 {
		return r.Speed
	}
	if r.Voice.SpeedFactor > 0 {
		return r.Voice.SpeedFactor
	}
	return 0
}
