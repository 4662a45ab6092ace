package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/felipepmaragno/storyforge/internal/domain"
)

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("openai", "sk-test-123")

	value, err := store.GetSecret(ctx, "openai")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}

	store.DeleteSecret("openai")
	if _, err := store.GetSecret(ctx, "openai"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestInMemorySecretStore_GetSecretJSON(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("config", `{"api_key": "sk-123", "enabled": true}`)
	store.SetSecret("invalid", "not json")

	var cfg struct {
		APIKey  string `json:"api_key"`
		Enabled bool   `json:"enabled"`
	}
	if err := store.GetSecretJSON(ctx, "config", &cfg); err != nil {
		t.Fatalf("GetSecretJSON() error = %v", err)
	}
	if cfg.APIKey != "sk-123" || !cfg.Enabled {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if err := store.GetSecretJSON(ctx, "invalid", &cfg); err == nil {
		t.Error("GetSecretJSON() should return error for invalid JSON")
	}
}

func TestResolve(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("storyforge/openai", "sk-openai")
	store.SetSecret("storyforge/keys", `{"replicate":"r8-abc","count":3}`)

	tests := []struct {
		name     string
		value    string
		expected string
		wantErr  bool
	}{
		{"plain value", "sk-plain", "sk-plain", false},
		{"empty value", "", "", false},
		{"whole secret", "secret:storyforge/openai", "sk-openai", false},
		{"json field", "secret:storyforge/keys#replicate", "r8-abc", false},
		{"missing field", "secret:storyforge/keys#stability", "", true},
		{"non-string field", "secret:storyforge/keys#count", "", true},
		{"missing secret", "secret:storyforge/none", "", true},
		{"empty name", "secret:", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(context.Background(), store, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("Resolve() = %q, want %q", got, tt.expected)
			}
		})
	}

	if _, err := Resolve(context.Background(), nil, "secret:x"); err == nil {
		t.Error("expected error without a store")
	}
	if v, err := Resolve(context.Background(), nil, "plain"); err != nil || v != "plain" {
		t.Errorf("plain value without a store = %q, %v", v, err)
	}
}

type MockSecretsManager struct {
	calls              int
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *MockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, params)
}

func TestAWSSecretsManager_GetSecret_Cached(t *testing.T) {
	mock := &MockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			if aws.ToString(params.SecretId) != "storyforge/openai" {
				t.Errorf("SecretId = %s", aws.ToString(params.SecretId))
			}
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("sk-live")}, nil
		},
	}
	sm := NewAWSSecretsManagerWithClient(mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := sm.GetSecret(ctx, "storyforge/openai")
		if err != nil || v != "sk-live" {
			t.Fatalf("GetSecret() = %q, %v", v, err)
		}
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 API call, got %d", mock.calls)
	}

	sm.ClearCache()
	sm.GetSecret(ctx, "storyforge/openai")
	if mock.calls != 2 {
		t.Errorf("expected refetch after ClearCache, got %d calls", mock.calls)
	}
}

func TestAWSSecretsManager_GetSecret_Error(t *testing.T) {
	mock := &MockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, errors.New("AccessDeniedException")
		},
	}
	sm := NewAWSSecretsManagerWithClient(mock)

	if _, err := sm.GetSecret(context.Background(), "x"); err == nil {
		t.Error("expected error")
	}
}
