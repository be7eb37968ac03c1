package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/agentx/internal/common/logger"
)

func TestBaseURLFor_KnownProviders(t *testing.T) {
	// Every non-openai provider routed to this adapter needs an endpoint,
	// otherwise its key would be sent to api.openai.com.
	for _, provider := range []string{"deepseek", "google", "xai", "mistral"} {
		assert.NotEmpty(t, BaseURLFor(provider), provider)
	}
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/openai/", BaseURLFor("google"))

	// openai and custom-endpoint providers use the SDK default.
	assert.Empty(t, BaseURLFor("openai"))
	assert.Empty(t, BaseURLFor("openai-compatible"))
}

func TestNew_RequiresAPIKey(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	_, err = New("sess_1", Options{}, log)
	require.Error(t, err)

	d, err := New("sess_1", Options{Provider: "google", APIKey: "key"}, log)
	require.NoError(t, err)
	assert.Equal(t, "google", d.Name())
}
