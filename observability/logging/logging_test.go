package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskPasskey(t *testing.T) {
	require.Equal(t, "", MaskPasskey(""))
	require.Equal(t, "*****", MaskPasskey("short"))
	require.Equal(t, "passkey-*******", MaskPasskey("passkey-1234567"))
}

func TestHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelDebug))
	logger.Info("user registered",
		slog.String("passkey", "abcdef1234567890"),
		slog.String("hmac_secret", "topsecret"),
		slog.String("Authorization", "Bearer x.y.z"),
		slog.String("token", ""),
		slog.Int("user_id", 7),
		slog.String("folding_user_name", "alice"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "user registered", line["message"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "abcdef12********", line["passkey"])
	require.Equal(t, RedactedValue, line["hmac_secret"])
	require.Equal(t, RedactedValue, line["Authorization"])
	require.Equal(t, "", line["token"])
	require.Equal(t, float64(7), line["user_id"])
	require.Equal(t, "alice", line["folding_user_name"])
}

func TestHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, ParseLevel("warn")))
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), `"severity":"WARN"`)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
