package config

// Preset endpoints for the self-hosted speech containers. The parakeet preset
// has no fixed model; it is filled from [AgentConfig.ParakeetModel].
var (
	sttPresets = map[STTProvider]Endpoint{
		STTWhisper:  {BaseURL: "http://whisper:80/v1", Model: "Systran/faster-whisper-small"},
		STTParakeet: {BaseURL: "http://parakeet:8015/v1"},
	}
	ttsPresets = map[TTSProvider]Endpoint{
		TTSSoprano: {BaseURL: "http://soprano:8000/v1", Model: "soprano", Voice: "default"},
		TTSKokoro:  {BaseURL: "http://kokoro:8880/v1", Model: "kokoro", Voice: "af_nova"},
	}
)

// STTPreset returns the built-in endpoint for p. The parakeet preset requests
// parakeetModel. The second result is false for an unknown provider.
func STTPreset(p STTProvider, parakeetModel string) (Endpoint, bool) {
	ep, ok := sttPresets[p]
	if ok && p == STTParakeet {
		ep.Model = parakeetModel
	}
	return ep, ok
}

// TTSPreset returns the built-in endpoint for p. The second result is false
// for an unknown provider.
func TTSPreset(p TTSProvider) (Endpoint, bool) {
	ep, ok := ttsPresets[p]
	return ep, ok
}

// fill copies every empty field of e from preset.
func (e *Endpoint) fill(preset Endpoint) {
	if e.BaseURL == "" {
		e.BaseURL = preset.BaseURL
	}
	if e.Model == "" {
		e.Model = preset.Model
	}
	if e.Voice == "" {
		e.Voice = preset.Voice
	}
	if e.APIKey == "" {
		e.APIKey = preset.APIKey
	}
}
