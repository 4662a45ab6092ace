package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestProvidersCommand(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("REPLICATE_API_TOKEN", "r8-test")
	t.Setenv("DEFAULT_PROVIDER", "openai")
	t.Setenv("DEFAULT_IMAGE_PROVIDER", "replicate")
	t.Setenv("AI_CONFIG_FILE", "")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"providers"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if bytes.Contains(out.Bytes(), []byte("sk-test")) || bytes.Contains(out.Bytes(), []byte("r8-test")) {
		t.Fatal("output must not contain API keys")
	}

	var got providersOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}

	byName := make(map[string]providerSummary)
	for _, p := range got.Providers {
		byName[p.Name] = p
	}
	if p := byName["openai"]; p.Kind != "text" || p.Model != "gpt-4o" || !p.Default || p.CostPer1K != 0.002 {
		t.Errorf("openai = %+v", p)
	}
	if p := byName["replicate"]; p.Kind != "image" || !p.Default {
		t.Errorf("replicate = %+v", p)
	}
	if len(got.ImagePricing) == 0 {
		t.Error("image pricing should list the built-in rules")
	}
}

func TestProvidersCommand_InvalidConfig(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mysql")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"providers"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected a configuration error")
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			setupLogger(tt.level)
			h := slog.Default().Handler()
			if !h.Enabled(context.Background(), tt.want) {
				t.Errorf("level %s should be enabled", tt.want)
			}
			if tt.want > slog.LevelDebug && h.Enabled(context.Background(), tt.want-4) {
				t.Errorf("level below %s should be disabled", tt.want)
			}
		})
	}
}
