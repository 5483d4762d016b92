package clients

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBinanceClient_ReadsEnvironment(t *testing.T) {
	t.Setenv(BinanceKeyEnv, "key")
	t.Setenv(BinanceSecretEnv, "secret")

	c := NewBinanceClient()
	assert.Equal(t, "key", c.APIKey)
	assert.Equal(t, "secret", c.SecretKey)
}

func TestNewBinanceClient_Anonymous(t *testing.T) {
	t.Setenv(BinanceKeyEnv, "")
	t.Setenv(BinanceSecretEnv, "")

	c := NewBinanceClient()
	assert.Empty(t, c.APIKey)
}

func TestNewBybitClient(t *testing.T) {
	t.Setenv(BybitKeyEnv, "key")
	t.Setenv(BybitSecretEnv, "")

	assert.NotNil(t, NewBybitClient())
}
