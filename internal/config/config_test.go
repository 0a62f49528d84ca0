package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvParsers(t *testing.T) {
	tests := []struct {
		name    string
		value   string // "" leaves the variable unset
		parse   func(key string) (any, error)
		want    any
		wantErr string
	}{
		{"int", "42", func(k string) (any, error) { return envInt(k, 0) }, 42, ""},
		{"int default", "", func(k string) (any, error) { return envInt(k, 99) }, 99, ""},
		{"int garbage", "abc", func(k string) (any, error) { return envInt(k, 0) }, nil, `="abc" is not a valid integer`},
		{"float", "0.5", func(k string) (any, error) { return envFloat(k, 1) }, 0.5, ""},
		{"float garbage", "fast", func(k string) (any, error) { return envFloat(k, 1) }, nil, `="fast" is not a valid number`},
		{"bool", "true", func(k string) (any, error) { return envBool(k, false) }, true, ""},
		{"bool default", "", func(k string) (any, error) { return envBool(k, true) }, true, ""},
		{"bool garbage", "maybe", func(k string) (any, error) { return envBool(k, false) }, nil, `="maybe" is not a valid boolean`},
		{"duration", "90s", func(k string) (any, error) { return envDuration(k, 0) }, 90 * time.Second, ""},
		{"duration garbage", "soon", func(k string) (any, error) { return envDuration(k, 0) }, nil, `="soon" is not a valid duration`},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := fmt.Sprintf("TABI_TEST_PARSE_%d", i)
			if tt.value != "" {
				t.Setenv(key, tt.value)
			}
			got, err := tt.parse(key)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, key+tt.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TABI_TEST_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, envList("TABI_TEST_BROKERS"))
	assert.Nil(t, envList("TABI_TEST_BROKERS_UNSET"))
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres", cfg.SnapshotBackend)
		assert.Equal(t, "bedrock", cfg.InferenceProvider)
	})

	t.Run("one bad value names the variable", func(t *testing.T) {
		t.Setenv("TABI_PORT", "abc")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `TABI_PORT="abc"`)
	})

	t.Run("every bad value is reported", func(t *testing.T) {
		t.Setenv("TABI_PORT", "abc")
		t.Setenv("TABI_RATE_LIMIT_RPS", "xyz")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TABI_PORT")
		assert.Contains(t, err.Error(), "TABI_RATE_LIMIT_RPS")
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:                8080,
			DatabaseURL:         "postgres://localhost/tabi",
			SnapshotBackend:     "postgres",
			InferenceProvider:   "ollama",
			OllamaURL:           "http://localhost:11434",
			OllamaModel:         "llama3.1",
			MaxTokens:           1500,
			RateLimitEnabled:    true,
			RateLimitRPS:        1,
			RateLimitBurst:      10,
			MaxRequestBodyBytes: 1024,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown snapshot backend", func(c *Config) { c.SnapshotBackend = "memcached" }, "TABI_SNAPSHOT_BACKEND"},
		{"redis without url", func(c *Config) { c.SnapshotBackend = "redis"; c.RedisURL = "" }, "REDIS_URL"},
		{"openai without key", func(c *Config) { c.InferenceProvider = "openai" }, "OPENAI_API_KEY"},
		{"unknown provider", func(c *Config) { c.InferenceProvider = "gemini" }, "TABI_INFERENCE_PROVIDER"},
		{"rate limit without burst", func(c *Config) { c.RateLimitBurst = 0 }, "TABI_RATE_LIMIT_BURST"},
		{"rate limit disabled ignores burst", func(c *Config) { c.RateLimitEnabled = false; c.RateLimitBurst = 0 }, ""},
		{"half a key pair", func(c *Config) { c.JWTPublicKeyPath = "/keys/pub.pem" }, "TABI_JWT_PRIVATE_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
