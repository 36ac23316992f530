package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestPayloadOf(t *testing.T) {
	data, ok := payloadOf(redis.XMessage{ID: "1-0", Values: map[string]any{"payload": `{"id":"a"}`}})
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"id":"a"}`), data)

	_, ok = payloadOf(redis.XMessage{ID: "2-0", Values: map[string]any{"other": "x"}})
	assert.False(t, ok)
}
