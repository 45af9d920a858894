package util

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := "The address of the dKB server. Multiple endpoints can be specified as a comma-separated list"
	wrapped := WrapString(text)

	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, strings.Fields(text), strings.Fields(wrapped))
	assert.Equal(t, "", WrapString(""))
}

func TestGetClientConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("transport-endpoints", "localhost:3000, unix:///tmp/dkb.sock,")
	viper.Set("timeout", 7)
	viper.Set("transport-retries", 2)

	conf := GetClientConfig()
	assert.Equal(t, []string{"localhost:3000", "unix:///tmp/dkb.sock"}, conf.Endpoints)
	assert.Equal(t, 7, conf.TimeoutSecond)
	assert.Equal(t, 2, conf.RetryCount)
}

func TestGetSerializer(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("serializer", "msgpack")
	s, err := GetSerializer()
	require.NoError(t, err)
	assert.Equal(t, "msgpack", s.Name())

	viper.Set("serializer", "gob")
	_, err = GetSerializer()
	assert.Error(t, err)
}
