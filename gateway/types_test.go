package gateway_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/gateway"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	env, err := gateway.NewEnvelope(gateway.TypeReply, "3", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, gateway.TypeReply, env.Type)
	assert.Equal(t, "3", env.ID)
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.JSONEq(t, `{"a": 1}`, string(env.Payload))
	assert.True(t, env.HasPayload())
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := gateway.NewEnvelope(gateway.TypeReply, "4", nil)
	require.NoError(t, err)
	assert.False(t, env.HasPayload())

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload")
}

func TestNewEnvelope_Unmarshalable(t *testing.T) {
	_, err := gateway.NewEnvelope(gateway.TypeUpdate, "", make(chan int))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsInvalid(err))
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		typ     string
		payload bool
	}{
		{"request", `{"type": "get", "id": "1", "timestamp": 5, "payload": {"demo": true}}`, false, "get", true},
		{"null payload", `{"type": "reply", "id": "1", "payload": null}`, false, "reply", false},
		{"missing type", `{"id": "1"}`, true, "", false},
		{"not json", `hello`, true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := gateway.DecodeEnvelope([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, env.Type)
			assert.Equal(t, tt.payload, env.HasPayload())
		})
	}
}

func TestIsRequest(t *testing.T) {
	for _, typ := range []string{"call", "get", "set", "watch", "unwatch", "listen", "unlisten"} {
		assert.True(t, gateway.IsRequest(typ), typ)
	}
	for _, typ := range []string{"reply", "update", "signal", ""} {
		assert.False(t, gateway.IsRequest(typ), typ)
	}
}
