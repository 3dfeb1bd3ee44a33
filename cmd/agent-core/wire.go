package main

import (
	"context"
	"io"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/config"
	"github.com/xiy/agent-core/internal/llm"
	anthropicllm "github.com/xiy/agent-core/internal/llm/anthropic"
	geminillm "github.com/xiy/agent-core/internal/llm/gemini"
	openaillm "github.com/xiy/agent-core/internal/llm/openai"
)

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{ReportCaller: false, ReportTimestamp: true, Prefix: cfg.ServerName})
	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}

// buildModel picks the chat backend. A provider without credentials degrades
// to llm.Unavailable so plugins, sessions and memory keep working.
func buildModel(ctx context.Context, cfg config.LLMConfig, getenv func(string) string, logger *log.Logger) llm.Model {
	if getenv == nil {
		getenv = os.Getenv
	}
	key := ""
	if cfg.APIKeyEnv != "" {
		key = getenv(cfg.APIKeyEnv)
	}

	switch cfg.Provider {
	case "openai":
		if key == "" && cfg.BaseURL == "" {
			logger.Warn("no API key for openai, chat disabled", "env", cfg.APIKeyEnv)
			return llm.Unavailable{}
		}
		return openaillm.NewModel(func(o *openaillm.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
			o.BaseURL = cfg.BaseURL
			o.APIKey = key
		})
	case "anthropic":
		if key == "" {
			logger.Warn("no API key for anthropic, chat disabled", "env", cfg.APIKeyEnv)
			return llm.Unavailable{}
		}
		return anthropicllm.NewModel(func(o *anthropicllm.Options) {
			if cfg.Model != "" {
				o.Model = anthropic.Model(cfg.Model)
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
			o.BaseURL = cfg.BaseURL
			o.APIKey = key
		})
	case "gemini":
		if key == "" {
			logger.Warn("no API key for gemini, chat disabled", "env", cfg.APIKeyEnv)
			return llm.Unavailable{}
		}
		m, err := geminillm.NewModel(ctx, func(o *geminillm.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxOutputTokens = int32(cfg.MaxTokens)
			}
			o.APIKey = key
		})
		if err != nil {
			logger.Warn("gemini client unavailable, chat disabled", "error", err)
			return llm.Unavailable{}
		}
		return m
	default:
		return llm.Unavailable{}
	}
}
