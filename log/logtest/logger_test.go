/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf)
	logger.Errorf("limiter %q is not registered", "login")

	var j map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &j))
	require.Equal(t, "error", j["level"])
	require.Equal(t, `limiter "login" is not registered`, j["msg"])
}
