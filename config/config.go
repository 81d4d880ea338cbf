// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rapidaai/sitevoice/pkg/connectors"
)

// AppConfig is the application configuration for the voice-api service.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// PublicHost is the externally reachable host of this service. Twilio
	// needs it to open the media-stream WebSocket back to us.
	PublicHost string `mapstructure:"public_host" validate:"required"`

	PostgresConfig connectors.PostgresConfig `mapstructure:"postgres" validate:"required"`

	// ElevenLabs conversational AI defaults for the telephony path. The
	// browser path carries its own credentials per call and never reads these.
	ElevenLabsAgentID string `mapstructure:"elevenlabs_agent_id"`
	ElevenLabsAPIKey  string `mapstructure:"elevenlabs_api_key"`

	// OpenAI Realtime credentials, used only to mint ephemeral client secrets.
	OpenAIAPIKey string `mapstructure:"openai_api_key"`
	OpenAIModel  string `mapstructure:"openai_model"`
}

// InitConfig reads configuration from .env (or ENV_PATH) plus environment
// variables, using "__" as the nesting delimiter.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}
	return vConfig, nil
}

// GetAppConfig unmarshals and validates the AppConfig from viper.
func GetAppConfig(vConfig *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := vConfig.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid app config: %w", err)
	}
	return &cfg, nil
}

func setDefault(vConfig *viper.Viper) {
	vConfig.SetDefault("service_name", "voice-api")
	vConfig.SetDefault("version", "0.1.0")
	vConfig.SetDefault("host", "0.0.0.0")
	vConfig.SetDefault("port", 8080)
	vConfig.SetDefault("log_level", "info")
	vConfig.SetDefault("openai_model", "gpt-4o-realtime-preview")
}
