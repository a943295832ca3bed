// Package config provides the configuration schema, loader, and backend
// registry for the voxrelay transcription relay and voice agent.
//
// Both processes read an optional YAML file and then apply environment
// overrides, so a container can be configured with environment variables
// alone. Provider selectors are enumerated types: an unset value selects the
// default backend and an unrecognised value is a validation error.
package config

import (
	"errors"
	"strings"
	"time"
)

// ErrUnknownProvider is wrapped by validation errors for provider selector
// values that name no known backend.
var ErrUnknownProvider = errors.New("config: unknown provider")

// PlaceholderAPIKey is sent to self-hosted OpenAI-compatible servers that do
// not check credentials.
const PlaceholderAPIKey = "no-key-needed"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// STTProvider selects the speech-to-text backend of the voice agent.
type STTProvider string

const (
	STTWhisper  STTProvider = "whisper"
	STTParakeet STTProvider = "parakeet"
)

// IsValid reports whether p is a recognised STT backend.
func (p STTProvider) IsValid() bool {
	return p == STTWhisper || p == STTParakeet
}

// TTSProvider selects the text-to-speech backend of the voice agent.
type TTSProvider string

const (
	TTSSoprano TTSProvider = "soprano"
	TTSKokoro  TTSProvider = "kokoro"
)

// IsValid reports whether p is a recognised TTS backend.
func (p TTSProvider) IsValid() bool {
	return p == TTSSoprano || p == TTSKokoro
}

// LLMBackend selects the client library used to reach the language model.
// "openai" talks to any OpenAI-compatible server (vLLM by default); the others
// are routed through any-llm-go.
type LLMBackend string

const (
	LLMOpenAI    LLMBackend = "openai"
	LLMOllama    LLMBackend = "ollama"
	LLMLlamaCpp  LLMBackend = "llamacpp"
	LLMLlamafile LLMBackend = "llamafile"
	LLMAnthropic LLMBackend = "anthropic"
	LLMGemini    LLMBackend = "gemini"
	LLMGroq      LLMBackend = "groq"
	LLMMistral   LLMBackend = "mistral"
	LLMDeepSeek  LLMBackend = "deepseek"
)

// LLMBackends lists every recognised [LLMBackend] in display order.
var LLMBackends = []LLMBackend{
	LLMOpenAI, LLMOllama, LLMLlamaCpp, LLMLlamafile,
	LLMAnthropic, LLMGemini, LLMGroq, LLMMistral, LLMDeepSeek,
}

// IsValid reports whether b is a recognised LLM backend.
func (b LLMBackend) IsValid() bool {
	for _, v := range LLMBackends {
		if b == v {
			return true
		}
	}
	return false
}

// RelayBackend selects the recogniser behind the transcription relay.
type RelayBackend string

const (
	// RelayWhisperCpp runs a local ggml model in-process.
	RelayWhisperCpp RelayBackend = "whispercpp"

	// RelayUpstream forwards uploads to another OpenAI-compatible server.
	RelayUpstream RelayBackend = "upstream"
)

// IsValid reports whether b is a recognised relay backend.
func (b RelayBackend) IsValid() bool {
	return b == RelayWhisperCpp || b == RelayUpstream
}

// normalize lower-cases and trims a selector value read from YAML or the
// environment.
func normalize[T ~string](v T) T {
	return T(strings.ToLower(strings.TrimSpace(string(v))))
}

// ServerConfig holds network and logging settings shared by both processes.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server binds (e.g. ":8015").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ── Relay ────────────────────────────────────────────────────────────────────

// DefaultParakeetModel is the model identifier advertised when PARAKEET_MODEL
// is unset.
const DefaultParakeetModel = "nvidia/parakeet-tdt-0.6b-v2"

// RelayConfig configures the transcription relay process.
type RelayConfig struct {
	Server ServerConfig `yaml:"server"`

	// Model is the identifier advertised by /v1/models and forwarded to an
	// upstream backend. Env: PARAKEET_MODEL.
	Model string `yaml:"model"`

	// Backend selects the recogniser. Default: whispercpp. Env: RELAY_BACKEND.
	Backend RelayBackend `yaml:"backend"`

	// WhisperModelPath is the ggml model file for the whispercpp backend.
	// Env: WHISPER_MODEL_PATH.
	WhisperModelPath string `yaml:"whisper_model_path"`

	// Threads is the CPU thread count per whispercpp inference. Zero keeps the
	// library default.
	Threads uint `yaml:"threads"`

	// UpstreamBaseURL is the OpenAI-compatible base URL for the upstream
	// backend. Env: UPSTREAM_BASE_URL.
	UpstreamBaseURL string `yaml:"upstream_base_url"`

	// UpstreamAPIKey is the bearer token for the upstream backend.
	// Default: [PlaceholderAPIKey].
	UpstreamAPIKey string `yaml:"upstream_api_key"`

	// ScratchDir holds uploaded audio while it is being transcribed.
	// Empty uses the OS temp directory. Env: SCRATCH_DIR.
	ScratchDir string `yaml:"scratch_dir"`

	// MaxConcurrent bounds in-flight transcriptions. Zero means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`

	// DefaultLanguage is used when a request omits the language field.
	// Default: "en".
	DefaultLanguage string `yaml:"default_language"`
}

// ── Agent ────────────────────────────────────────────────────────────────────

// Endpoint addresses one OpenAI-compatible backend.
type Endpoint struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Voice   string `yaml:"voice"`
	APIKey  string `yaml:"api_key"`
}

// STTConfig selects and configures the agent's speech-to-text backend.
type STTConfig struct {
	// Provider picks a preset endpoint. Env: STT_PROVIDER. Default: parakeet.
	Provider STTProvider `yaml:"provider"`

	// Endpoint fields override the preset when non-empty.
	Endpoint `yaml:",inline"`

	// Language hint forwarded with every request. Default: "en".
	Language string `yaml:"language"`
}

// TTSConfig selects and configures the agent's text-to-speech backend.
type TTSConfig struct {
	// Provider picks a preset endpoint. Env: TTS_PROVIDER. Default: kokoro.
	Provider TTSProvider `yaml:"provider"`

	Endpoint `yaml:",inline"`

	// Speed is the playback speed multiplier. Zero leaves the server default.
	Speed float64 `yaml:"speed"`
}

// LLMConfig configures the language model endpoint.
type LLMConfig struct {
	// Backend picks the client library. Env: LLM_BACKEND. Default: openai.
	Backend LLMBackend `yaml:"backend"`

	// BaseURL of the server. Env: VLLM_BASE_URL.
	// Default: http://vllm:8000/v1 for the openai backend.
	BaseURL string `yaml:"base_url"`

	// Model alias served by the endpoint. Env: VLLM_MODEL_ALIAS.
	// Default: gemma-3-27b.
	Model string `yaml:"model"`

	APIKey string `yaml:"api_key"`

	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// VADConfig tunes the energy voice-activity detector.
type VADConfig struct {
	// FrameSize is the analysis window. Default: 20ms.
	FrameSize time.Duration `yaml:"frame_size"`

	// SpeechThreshold is the RMS level (0..32767) that opens a speech segment.
	// Default: 500.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the RMS level that counts as silence once speech is
	// active. Default: 300.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// MinSpeech is the voiced run required before speech start is reported.
	// Default: 60ms.
	MinSpeech time.Duration `yaml:"min_speech"`

	// MinSilence is the silent run required before speech end is reported.
	// Default: 400ms.
	MinSilence time.Duration `yaml:"min_silence"`
}

// SessionConfig tunes turn-taking in every agent session.
type SessionConfig struct {
	// PreemptiveGeneration starts the LLM reply before the end of turn is
	// confirmed. Default: true.
	PreemptiveGeneration *bool `yaml:"preemptive_generation"`

	// ResumeFalseInterruption resumes paused agent speech when an
	// interruption produced no words. Default: true.
	ResumeFalseInterruption *bool `yaml:"resume_false_interruption"`

	// FalseInterruptionTimeout is how long paused speech waits for a
	// transcript before resuming. Default: 1s.
	FalseInterruptionTimeout time.Duration `yaml:"false_interruption_timeout"`

	// MinInterruptionDuration is the user speech length that pauses agent
	// speech. Default: 500ms.
	MinInterruptionDuration time.Duration `yaml:"min_interruption_duration"`

	// MinEndpointingDelay is the wait after a complete-sounding utterance.
	// Default: 500ms.
	MinEndpointingDelay time.Duration `yaml:"min_endpointing_delay"`

	// MaxEndpointingDelay is the wait after an utterance that sounds
	// unfinished. Default: 3s.
	MaxEndpointingDelay time.Duration `yaml:"max_endpointing_delay"`

	// MaxToolSteps bounds consecutive tool-call rounds per reply. Default: 3.
	MaxToolSteps int `yaml:"max_tool_steps"`
}

// WorkerConfig configures the agent worker process.
type WorkerConfig struct {
	// MaxSessions caps concurrent sessions. Zero means unbounded.
	MaxSessions int `yaml:"max_sessions"`

	// InputSampleRate is the rate of PCM sent by clients. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate of PCM sent to clients. Default: 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// CallbackTimeout bounds each job's shutdown callbacks. Default: 10s.
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
}

// AgentConfig is the root configuration of the voice-agent worker.
type AgentConfig struct {
	Server  ServerConfig  `yaml:"server"`
	STT     STTConfig     `yaml:"stt"`
	TTS     TTSConfig     `yaml:"tts"`
	LLM     LLMConfig     `yaml:"llm"`
	VAD     VADConfig     `yaml:"vad"`
	Session SessionConfig `yaml:"session"`
	Worker  WorkerConfig  `yaml:"worker"`

	// ParakeetModel is the model requested from the parakeet STT preset.
	// Env: PARAKEET_MODEL.
	ParakeetModel string `yaml:"parakeet_model"`
}
