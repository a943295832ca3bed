package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by [LoadRelay] and [LoadAgent]. Each one
// overrides the matching YAML field when set to a non-empty value.
const (
	EnvParakeetModel    = "PARAKEET_MODEL"
	EnvSTTProvider      = "STT_PROVIDER"
	EnvTTSProvider      = "TTS_PROVIDER"
	EnvVLLMModelAlias   = "VLLM_MODEL_ALIAS"
	EnvVLLMBaseURL      = "VLLM_BASE_URL"
	EnvLLMBackend       = "LLM_BACKEND"
	EnvRelayBackend     = "RELAY_BACKEND"
	EnvWhisperModelPath = "WHISPER_MODEL_PATH"
	EnvUpstreamBaseURL  = "UPSTREAM_BASE_URL"
	EnvScratchDir       = "SCRATCH_DIR"
	EnvListenAddr       = "LISTEN_ADDR"
	EnvLogLevel         = "LOG_LEVEL"
	EnvMaxSessions      = "MAX_SESSIONS"
)

// Defaults applied by [LoadRelay] and [LoadAgent] to unset fields.
const (
	DefaultRelayListenAddr = ":8015"
	DefaultAgentListenAddr = ":8081"
	DefaultLLMModel        = "gemma-3-27b"
	DefaultLLMBaseURL      = "http://vllm:8000/v1"
	DefaultLanguage        = "en"
)

// Env looks up an environment variable. [os.Getenv] satisfies it; tests pass
// a map lookup instead.
type Env func(key string) string

// MapEnv adapts a map to [Env].
func MapEnv(m map[string]string) Env {
	return func(k string) string { return m[k] }
}

// ── Relay ────────────────────────────────────────────────────────────────────

// LoadRelay reads the relay configuration from the YAML file at path (if path
// is non-empty), applies process environment overrides, fills defaults, and
// validates the result.
func LoadRelay(path string) (*RelayConfig, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	cfg, err := LoadRelayFromReader(r, os.Getenv)
	if err != nil {
		return nil, wrapPath(path, err)
	}
	return cfg, nil
}

// LoadRelayFromReader is [LoadRelay] for an arbitrary reader and environment.
// A nil env applies no overrides.
func LoadRelayFromReader(r io.Reader, env Env) (*RelayConfig, error) {
	cfg := &RelayConfig{}
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if env != nil {
		applyRelayEnv(cfg, env)
	}
	ApplyRelayDefaults(cfg)
	if err := ValidateRelay(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyRelayEnv(cfg *RelayConfig, env Env) {
	setString(&cfg.Model, env(EnvParakeetModel))
	setString((*string)(&cfg.Backend), env(EnvRelayBackend))
	setString(&cfg.WhisperModelPath, env(EnvWhisperModelPath))
	setString(&cfg.UpstreamBaseURL, env(EnvUpstreamBaseURL))
	setString(&cfg.ScratchDir, env(EnvScratchDir))
	setString(&cfg.Server.ListenAddr, env(EnvListenAddr))
	setString((*string)(&cfg.Server.LogLevel), env(EnvLogLevel))
}

// ApplyRelayDefaults fills unset relay fields and normalises selector values.
func ApplyRelayDefaults(cfg *RelayConfig) {
	applyServerDefaults(&cfg.Server, DefaultRelayListenAddr)
	cfg.Backend = normalize(cfg.Backend)
	if cfg.Backend == "" {
		cfg.Backend = RelayWhisperCpp
	}
	if cfg.Model == "" {
		cfg.Model = DefaultParakeetModel
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if cfg.UpstreamAPIKey == "" {
		cfg.UpstreamAPIKey = PlaceholderAPIKey
	}
}

// ValidateRelay checks that cfg is internally consistent. It returns a joined
// error listing every problem found.
func ValidateRelay(cfg *RelayConfig) error {
	errs := validateServer(cfg.Server)
	switch {
	case !cfg.Backend.IsValid():
		errs = append(errs, fmt.Errorf("backend %q: %w; valid values: whispercpp, upstream", cfg.Backend, ErrUnknownProvider))
	case cfg.Backend == RelayWhisperCpp && cfg.WhisperModelPath == "":
		errs = append(errs, errors.New("whisper_model_path is required for the whispercpp backend"))
	case cfg.Backend == RelayUpstream && cfg.UpstreamBaseURL == "":
		errs = append(errs, errors.New("upstream_base_url is required for the upstream backend"))
	}
	if cfg.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent %d must not be negative", cfg.MaxConcurrent))
	}
	return errors.Join(errs...)
}

// ── Agent ────────────────────────────────────────────────────────────────────

// LoadAgent reads the agent configuration from the YAML file at path (if path
// is non-empty), applies process environment overrides, resolves provider
// presets, and validates the result.
func LoadAgent(path string) (*AgentConfig, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	cfg, err := LoadAgentFromReader(r, os.Getenv)
	if err != nil {
		return nil, wrapPath(path, err)
	}
	return cfg, nil
}

// LoadAgentFromReader is [LoadAgent] for an arbitrary reader and environment.
// A nil env applies no overrides.
func LoadAgentFromReader(r io.Reader, env Env) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if env != nil {
		applyAgentEnv(cfg, env)
	}
	ApplyAgentDefaults(cfg)
	if err := ValidateAgent(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyAgentEnv(cfg *AgentConfig, env Env) {
	setString(&cfg.ParakeetModel, env(EnvParakeetModel))
	setString((*string)(&cfg.STT.Provider), env(EnvSTTProvider))
	setString((*string)(&cfg.TTS.Provider), env(EnvTTSProvider))
	setString(&cfg.LLM.Model, env(EnvVLLMModelAlias))
	setString(&cfg.LLM.BaseURL, env(EnvVLLMBaseURL))
	setString((*string)(&cfg.LLM.Backend), env(EnvLLMBackend))
	setString(&cfg.Server.ListenAddr, env(EnvListenAddr))
	setString((*string)(&cfg.Server.LogLevel), env(EnvLogLevel))
	if v := env(EnvMaxSessions); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxSessions = n
		} else {
			// Surface the bad value through validation.
			cfg.Worker.MaxSessions = -1
		}
	}
}

// ApplyAgentDefaults normalises selector values, fills unset fields, and
// copies the selected STT/TTS presets into any endpoint field left empty.
// Presets are only applied for recognised providers; [ValidateAgent] reports
// the rest.
func ApplyAgentDefaults(cfg *AgentConfig) {
	applyServerDefaults(&cfg.Server, DefaultAgentListenAddr)

	if cfg.ParakeetModel == "" {
		cfg.ParakeetModel = DefaultParakeetModel
	}

	cfg.STT.Provider = normalize(cfg.STT.Provider)
	if cfg.STT.Provider == "" {
		cfg.STT.Provider = STTParakeet
	}
	if preset, ok := STTPreset(cfg.STT.Provider, cfg.ParakeetModel); ok {
		cfg.STT.fill(preset)
	}
	if cfg.STT.APIKey == "" {
		cfg.STT.APIKey = PlaceholderAPIKey
	}
	if cfg.STT.Language == "" {
		cfg.STT.Language = DefaultLanguage
	}

	cfg.TTS.Provider = normalize(cfg.TTS.Provider)
	if cfg.TTS.Provider == "" {
		cfg.TTS.Provider = TTSKokoro
	}
	if preset, ok := TTSPreset(cfg.TTS.Provider); ok {
		cfg.TTS.fill(preset)
	}
	if cfg.TTS.APIKey == "" {
		cfg.TTS.APIKey = PlaceholderAPIKey
	}

	cfg.LLM.Backend = normalize(cfg.LLM.Backend)
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = LLMOpenAI
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultLLMModel
	}
	if cfg.LLM.Backend == LLMOpenAI {
		if cfg.LLM.BaseURL == "" {
			cfg.LLM.BaseURL = DefaultLLMBaseURL
		}
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = PlaceholderAPIKey
		}
	}

	v := &cfg.VAD
	setDuration(&v.FrameSize, 20*time.Millisecond)
	setFloat(&v.SpeechThreshold, 500)
	setFloat(&v.SilenceThreshold, 300)
	setDuration(&v.MinSpeech, 60*time.Millisecond)
	setDuration(&v.MinSilence, 400*time.Millisecond)

	s := &cfg.Session
	if s.PreemptiveGeneration == nil {
		s.PreemptiveGeneration = ptr(true)
	}
	if s.ResumeFalseInterruption == nil {
		s.ResumeFalseInterruption = ptr(true)
	}
	setDuration(&s.FalseInterruptionTimeout, time.Second)
	setDuration(&s.MinInterruptionDuration, 500*time.Millisecond)
	setDuration(&s.MinEndpointingDelay, 500*time.Millisecond)
	setDuration(&s.MaxEndpointingDelay, 3*time.Second)
	if s.MaxToolSteps == 0 {
		s.MaxToolSteps = 3
	}

	w := &cfg.Worker
	if w.InputSampleRate == 0 {
		w.InputSampleRate = 16000
	}
	if w.OutputSampleRate == 0 {
		w.OutputSampleRate = 24000
	}
	setDuration(&w.CallbackTimeout, 10*time.Second)
}

// ValidateAgent checks that cfg is internally consistent. It returns a joined
// error listing every problem found.
func ValidateAgent(cfg *AgentConfig) error {
	errs := validateServer(cfg.Server)

	if !cfg.STT.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("stt.provider %q: %w; valid values: whisper, parakeet", cfg.STT.Provider, ErrUnknownProvider))
	}
	if !cfg.TTS.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("tts.provider %q: %w; valid values: soprano, kokoro", cfg.TTS.Provider, ErrUnknownProvider))
	}
	if !cfg.LLM.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("llm.backend %q: %w; valid values: %s", cfg.LLM.Backend, ErrUnknownProvider, joinBackends()))
	}
	if cfg.TTS.Speed != 0 && (cfg.TTS.Speed < 0.25 || cfg.TTS.Speed > 4) {
		errs = append(errs, fmt.Errorf("tts.speed %.2f is out of range [0.25, 4.0]", cfg.TTS.Speed))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}

	if cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.0f exceeds vad.speech_threshold %.0f",
			cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}

	s := cfg.Session
	if s.MinEndpointingDelay > s.MaxEndpointingDelay {
		errs = append(errs, fmt.Errorf("session.min_endpointing_delay %s exceeds session.max_endpointing_delay %s",
			s.MinEndpointingDelay, s.MaxEndpointingDelay))
	}
	if s.MaxToolSteps < 1 {
		errs = append(errs, fmt.Errorf("session.max_tool_steps %d must be at least 1", s.MaxToolSteps))
	}
	for name, d := range map[string]time.Duration{
		"false_interruption_timeout": s.FalseInterruptionTimeout,
		"min_interruption_duration":  s.MinInterruptionDuration,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("session.%s %s must not be negative", name, d))
		}
	}

	if cfg.Worker.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("worker.max_sessions %d must not be negative", cfg.Worker.MaxSessions))
	}
	if cfg.Worker.InputSampleRate < 0 || cfg.Worker.OutputSampleRate < 0 {
		errs = append(errs, errors.New("worker sample rates must be positive"))
	}
	return errors.Join(errs...)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func open(path string) (io.Reader, func(), error) {
	if path == "" {
		return strings.NewReader(""), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func wrapPath(path string, err error) error {
	if path == "" {
		return err
	}
	return fmt.Errorf("config: load %q: %w", path, err)
}

// decode reads YAML into v, rejecting unknown keys. An empty document is not
// an error.
func decode(r io.Reader, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyServerDefaults(s *ServerConfig, listen string) {
	if s.ListenAddr == "" {
		s.ListenAddr = listen
	}
	s.LogLevel = normalize(s.LogLevel)
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	setDuration(&s.ShutdownTimeout, 15*time.Second)
}

func validateServer(s ServerConfig) []error {
	var errs []error
	if !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", s.ShutdownTimeout))
	}
	return errs
}

func joinBackends() string {
	names := make([]string, len(LLMBackends))
	for i, b := range LLMBackends {
		names[i] = string(b)
	}
	return strings.Join(names, ", ")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func ptr[T any](v T) *T { return &v }
