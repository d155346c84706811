package config

import "time"

// ModelsConfig configures the model gateway and its providers.
type ModelsConfig struct {
	// Recognizer and Enhancer name the provider used for each capability.
	Recognizer        string         `yaml:"recognizer" validate:"oneof=ollama gemini textract"`
	Enhancer          string         `yaml:"enhancer" validate:"oneof=ollama gemini"`
	Timeout           time.Duration  `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64        `yaml:"requests_per_second" validate:"min=0"`
	Burst             int            `yaml:"burst" validate:"min=0"`
	Ollama            OllamaConfig   `yaml:"ollama"`
	Gemini            GeminiConfig   `yaml:"gemini"`
	Textract          TextractConfig `yaml:"textract"`
	Cache             CacheConfig    `yaml:"cache"`
}

type OllamaConfig struct {
	Endpoint    string `yaml:"endpoint" validate:"required,url"`
	VisionModel string `yaml:"vision_model" validate:"required"`
	TextModel   string `yaml:"text_model" validate:"required"`
	NumCtx      int    `yaml:"num_ctx" validate:"min=0"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type TextractConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// MinConfidence drops LINE blocks scored below it (0-100).
	MinConfidence float32 `yaml:"min_confidence" validate:"min=0,max=100"`
}

// CacheConfig enables memoization of model results. An empty RedisAddr
// selects the in-process cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	TTL        time.Duration `yaml:"ttl" validate:"min=0"`
	MaxEntries int           `yaml:"max_entries" validate:"min=0"`
}

func defaultModels() ModelsConfig {
	return ModelsConfig{
		Recognizer: "ollama",
		Enhancer:   "ollama",
		Timeout:    300 * time.Second,
		Ollama: OllamaConfig{
			Endpoint:    "http://localhost:11434",
			VisionModel: "qwen2.5vl:7b",
			TextModel:   "phi3:mini",
			NumCtx:      4096,
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		Textract: TextractConfig{
			MinConfidence: 50,
		},
		Cache: CacheConfig{
			TTL:        24 * time.Hour,
			MaxEntries: 512,
		},
	}
}
