package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "offer-reservation", "warn", false)

	log.Info().Msg("dropped")
	log.Warn().Str("offer_id", "o-1").Msg("reservation_lock_failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "reservation_lock_failed", entry["message"])
	assert.Equal(t, "offer-reservation", entry["service"])
	assert.Equal(t, "o-1", entry["offer_id"])
}

func TestNewWithWriter_UnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "svc", "loud", false)

	log.Info().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
