package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Storage      StorageConfig      `json:"storage"`
	Web          WebConfig          `json:"web"`
	Agent        AgentConfig        `json:"agent"`
	Approvals    ApprovalsConfig    `json:"approvals"`
	LLM          LLMConfig          `json:"llm"`
}

type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`
	HealthAddr   string `json:"health_addr"`
}

type StorageConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
}

type WebConfig struct {
	HTTPAddr  string `json:"http_addr"`
	AuthToken string `json:"auth_token"`
}

type AgentConfig struct {
	RuntimeBaseURL string         `json:"runtime_base_url"`
	RuntimeToken   string         `json:"runtime_token"`
	DefaultPreset  string         `json:"default_preset"`
	Presets        []PresetConfig `json:"presets"`
}

// PresetConfig is a named, reusable agent configuration. A run may select a
// preset by name and layer extra instructions/actions on top of it.
type PresetConfig struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Instructions string   `json:"instructions"`
	Actions      []string `json:"actions"`
	Capabilities []string `json:"capabilities"`
}

type ApprovalsConfig struct {
	ReminderCron      string `json:"reminder_cron"`
	ReminderAfterSecs int    `json:"reminder_after_secs"`
	WebhookURL        string `json:"webhook_url"`
}

// LLMConfig configures the optional decision-recommendation model client.
type LLMConfig struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	APIBase   string `json:"api_base"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	if c.Orchestrator.TaskQueue == "" {
		return errors.New("orchestrator.task_queue required")
	}
	if c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn required")
	}
	if c.Agent.RuntimeBaseURL == "" {
		return errors.New("agent.runtime_base_url required")
	}
	seen := map[string]bool{}
	for _, preset := range c.Agent.Presets {
		name := strings.TrimSpace(preset.Name)
		if name == "" {
			return errors.New("agent.presets: name required")
		}
		if seen[name] {
			return fmt.Errorf("agent.presets: duplicate preset %q", name)
		}
		seen[name] = true
	}
	if c.Agent.DefaultPreset != "" && !seen[c.Agent.DefaultPreset] {
		return fmt.Errorf("agent.default_preset %q not defined", c.Agent.DefaultPreset)
	}
	if strings.TrimSpace(c.LLM.Provider) != "" {
		if strings.TrimSpace(c.LLM.Model) == "" {
			return errors.New("llm.model required when llm.provider is set")
		}
		p := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
		if (p == "openai" || p == "anthropic") && strings.TrimSpace(c.LLM.APIKey) == "" {
			return errors.New("llm.api_key required for llm.provider " + p)
		}
	}
	return nil
}

// Preset returns the named preset, falling back to the default preset when
// name is empty.
func (c Config) Preset(name string) (PresetConfig, bool) {
	if name == "" {
		name = c.Agent.DefaultPreset
	}
	for _, preset := range c.Agent.Presets {
		if preset.Name == name {
			return preset, true
		}
	}
	return PresetConfig{}, false
}
