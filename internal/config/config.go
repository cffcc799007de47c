package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	NotifyTarget  string `json:"notify_target"`
	Voice         struct {
		ServiceURL string `json:"service_url"`
		APIKey     string `json:"api_key"`
		Reconnect  struct {
			InitialDelayMS int `json:"initial_delay_ms"`
			MaxAttempts    int `json:"max_attempts"`
		} `json:"reconnect"`
		Fillers struct {
			Enabled         bool     `json:"enabled"`
			Phrases         []string `json:"phrases"`
			InitialDelaySec int      `json:"initial_delay_sec"`
			IntervalSec     int      `json:"interval_sec"`
			MaxPerRequest   int      `json:"max_per_request"`
		} `json:"fillers"`
		Idle struct {
			TimeoutSec int    `json:"timeout_sec"`
			MaxPrompts int    `json:"max_prompts"`
			Prompt     string `json:"prompt"`
			EndMessage string `json:"end_message"`
		} `json:"idle"`
	} `json:"voice"`
	Responder struct {
		Mode        string `json:"mode"`
		URL         string `json:"url"`
		TimeoutSec  int    `json:"timeout_sec"`
		StaticReply string `json:"static_reply"`
	} `json:"responder"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
	Webhook struct {
		Addr string `json:"addr"`
	} `json:"webhook"`
	Digest struct {
		MaxTokens int `json:"max_tokens"`
	} `json:"digest"`
}

// Load reads the config file (writing defaults on first run) and applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// loadFile returns defaults merged with the file contents, without any
// environment overrides. SetValue edits through this so env-provided
// secrets never end up written to disk.
func loadFile(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".gophercall"),
		MaxConcurrent: 2,
	}
	cfg.LogLevel = "info"
	cfg.NotifyTarget = "log:"
	cfg.Voice.ServiceURL = "wss://voice.gophercall.dev/ws"
	cfg.Voice.Reconnect.InitialDelayMS = 2000
	cfg.Voice.Reconnect.MaxAttempts = 0
	cfg.Voice.Fillers.Enabled = true
	cfg.Voice.Fillers.Phrases = []string{
		"One moment, please.",
		"Let me check on that.",
		"Just a second while I look that up.",
	}
	cfg.Voice.Fillers.InitialDelaySec = 3
	cfg.Voice.Fillers.IntervalSec = 5
	cfg.Voice.Fillers.MaxPerRequest = 2
	cfg.Voice.Idle.TimeoutSec = 30
	cfg.Voice.Idle.MaxPrompts = 2
	cfg.Voice.Idle.Prompt = "Are you still there?"
	cfg.Voice.Idle.EndMessage = "It sounds like you've stepped away, so I'll let you go for now. Goodbye!"
	cfg.Responder.Mode = "static"
	cfg.Responder.TimeoutSec = 30
	cfg.Responder.StaticReply = "I heard you. Give me a moment."
	cfg.Webhook.Addr = "127.0.0.1:8790"
	cfg.Digest.MaxTokens = 400

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	if apiKey := os.Getenv("GOPHERCALL_API_KEY"); apiKey != "" {
		cfg.Voice.APIKey = apiKey
	}
	if serviceURL := os.Getenv("GOPHERCALL_SERVICE_URL"); serviceURL != "" {
		cfg.Voice.ServiceURL = serviceURL
	}
	if responderURL := os.Getenv("RESPONDER_URL"); responderURL != "" {
		cfg.Responder.URL = responderURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
}

// Save writes the config atomically so a crash mid-write cannot leave a
// truncated file behind.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
