// Package config loads the application configuration from files and
// environment variables and maps it onto the engine's training arguments.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"

	"github.com/soundprediction/biencoder"
)

// Config holds all configuration for the application.
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Training configuration
	Training TrainingConfig `mapstructure:"training"`

	// CrossEncoder configuration for the distillation teacher
	CrossEncoder CrossEncoderConfig `mapstructure:"cross_encoder"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Index configuration
	Index IndexConfig `mapstructure:"index"`

	// Alert configuration for long-running training jobs
	Alert AlertConfig `mapstructure:"alert"`
}

// AlertConfig holds configuration for alerting.
type AlertConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// CrossEncoderConfig holds configuration for the reranking teacher.
type CrossEncoderConfig struct {
	Provider  string `mapstructure:"provider"` // jina, mock
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	BatchSize int    `mapstructure:"batch_size"`
}

// TelemetryConfig holds telemetry configuration.
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
	BatchSize   int    `mapstructure:"batch_size"`
}

// IndexConfig selects the passage index backend.
type IndexConfig struct {
	Backend string `mapstructure:"backend"` // memory, badger
	Path    string `mapstructure:"path"`
}

// TrainingConfig mirrors the training arguments in configuration form.
type TrainingConfig struct {
	ModelName          string `mapstructure:"model_name"`
	OutputDir          string `mapstructure:"output_dir"`
	OverwriteOutputDir bool   `mapstructure:"overwrite_output_dir"`

	NumTrainEpochs            int     `mapstructure:"num_train_epochs"`
	TrainBatchSize            int     `mapstructure:"train_batch_size"`
	EvalBatchSize             int     `mapstructure:"eval_batch_size"`
	GradientAccumulationSteps int     `mapstructure:"gradient_accumulation_steps"`
	MaxSequenceLength         int     `mapstructure:"max_seq_length"`
	LearningRate              float64 `mapstructure:"learning_rate"`
	WeightDecay               float64 `mapstructure:"weight_decay"`
	Optimizer                 string  `mapstructure:"optimizer"`
	Scheduler                 string  `mapstructure:"scheduler"`
	WarmupSteps               int     `mapstructure:"warmup_steps"`
	WarmupRatio               float64 `mapstructure:"warmup_ratio"`
	FP16                      bool    `mapstructure:"fp16"`
	Seed                      int64   `mapstructure:"manual_seed"`

	EvaluateDuringTraining bool `mapstructure:"evaluate_during_training"`
	UseEarlyStopping       bool `mapstructure:"use_early_stopping"`

	IncludeTriplet bool `mapstructure:"include_triplet_loss"`
	IncludeBCE     bool `mapstructure:"include_bce_loss"`
	UnifiedRerank  bool `mapstructure:"unified_rr"`
	HardNegatives  bool `mapstructure:"hard_negatives"`

	RetrieveNDocs int   `mapstructure:"retrieve_n_docs"`
	TopKValues    []int `mapstructure:"top_k_values"`
}

// Args converts the configuration into engine arguments, starting from the
// defaults so unset fields keep their conventional values.
func (t TrainingConfig) Args() biencoder.Args {
	args := biencoder.DefaultArgs()

	args.ModelName = t.ModelName
	if t.OutputDir != "" {
		args.OutputDir = t.OutputDir
	}
	args.OverwriteOutputDir = t.OverwriteOutputDir
	if t.NumTrainEpochs > 0 {
		args.NumTrainEpochs = t.NumTrainEpochs
	}
	if t.TrainBatchSize > 0 {
		args.TrainBatchSize = t.TrainBatchSize
	}
	if t.EvalBatchSize > 0 {
		args.EvalBatchSize = t.EvalBatchSize
	}
	if t.GradientAccumulationSteps > 0 {
		args.GradientAccumulationSteps = t.GradientAccumulationSteps
	}
	if t.MaxSequenceLength > 0 {
		args.MaxSequenceLength = t.MaxSequenceLength
	}
	if t.LearningRate > 0 {
		args.LearningRate = t.LearningRate
	}
	args.WeightDecay = t.WeightDecay
	if t.Optimizer != "" {
		args.Optimizer = t.Optimizer
	}
	if t.Scheduler != "" {
		args.Scheduler = t.Scheduler
	}
	if t.WarmupSteps > 0 {
		args.WarmupSteps = t.WarmupSteps
	}
	if t.WarmupRatio > 0 {
		args.WarmupRatio = t.WarmupRatio
	}
	args.FP16 = t.FP16
	if t.Seed != 0 {
		args.Seed = t.Seed
	}
	args.EvaluateDuringTraining = t.EvaluateDuringTraining
	args.UseEarlyStopping = t.UseEarlyStopping
	args.IncludeTriplet = t.IncludeTriplet
	args.IncludeBCE = t.IncludeBCE
	args.UnifiedRerank = t.UnifiedRerank
	args.HardNegatives = t.HardNegatives
	if t.RetrieveNDocs > 0 {
		args.RetrieveNDocs = t.RetrieveNDocs
	}
	if len(t.TopKValues) > 0 {
		args.TopKValues = t.TopKValues
	}
	return args
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)
	return config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Training defaults
	viper.SetDefault("training.output_dir", "outputs")

	// Cross-encoder defaults
	viper.SetDefault("cross_encoder.provider", "jina")
	viper.SetDefault("cross_encoder.model", "jina-reranker-v2-base-multilingual")
	viper.SetDefault("cross_encoder.base_url", "https://api.jina.ai/v1/rerank")

	// Index defaults
	viper.SetDefault("index.backend", "memory")
	viper.SetDefault("index.path", "./biencoder_index")

	// Telemetry defaults
	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("telemetry.parquet_path", fmt.Sprintf("%s/.biencoder/telemetry", home))
	}
}

// overrideWithEnv overrides config with environment variables.
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("JINA_API_KEY"); apiKey != "" {
		config.CrossEncoder.APIKey = apiKey
	}
	if apiKey := os.Getenv("CROSS_ENCODER_API_KEY"); apiKey != "" {
		config.CrossEncoder.APIKey = apiKey
	}
	if baseURL := os.Getenv("CROSS_ENCODER_BASE_URL"); baseURL != "" {
		config.CrossEncoder.BaseURL = baseURL
	}

	if modelDir := os.Getenv("BIENCODER_MODEL_DIR"); modelDir != "" {
		config.Training.ModelName = modelDir
	}
	if outputDir := os.Getenv("BIENCODER_OUTPUT_DIR"); outputDir != "" {
		config.Training.OutputDir = outputDir
	}

	if backend := os.Getenv("INDEX_BACKEND"); backend != "" {
		config.Index.Backend = backend
	}
	if path := os.Getenv("INDEX_PATH"); path != "" {
		config.Index.Path = path
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
}
