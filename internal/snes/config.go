package snes

import (
	"os"
	"strconv"
	"time"
)

// Defaults mirror the environment surface of the original client.
const (
	// DefaultChunkSize is deliberately small. Larger chunks are faster
	// on a stable link but have been observed to overrun the
	// transport's send buffer and desynchronize the device.
	DefaultChunkSize = 1024

	// DefaultBufferLimit is the buffered-byte ceiling above which
	// uploads pause before sending the next chunk.
	DefaultBufferLimit = 32 * 1024

	// DefaultTimeoutPerMB is the blocking-upload budget per MiB.
	DefaultTimeoutPerMB = 10 * time.Second

	// DefaultReplyTimeout bounds the wait for a single reply.
	DefaultReplyTimeout = 5 * time.Second
)

// Config is the per-connection tuning surface.
type Config struct {
	ChunkSize           int
	BufferLimit         int
	PreemptiveDirCreate bool
	VerifyAfterUpload   bool
	TimeoutPerMB        time.Duration
	ReplyTimeout        time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           DefaultChunkSize,
		BufferLimit:         DefaultBufferLimit,
		PreemptiveDirCreate: true,
		VerifyAfterUpload:   true,
		TimeoutPerMB:        DefaultTimeoutPerMB,
		ReplyTimeout:        DefaultReplyTimeout,
	}
}

// ConfigFromEnv layers the USB2SNES_* environment variables over the
// defaults: USB2SNES_CHUNK_SIZE, USB2SNES_BUFFER_LIMIT,
// USB2SNES_PREEMPTIVE_DIR, USB2SNES_VERIFY_UPLOAD and
// USB2SNES_TIMEOUT_PER_MB (seconds).
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v, ok := envInt("USB2SNES_CHUNK_SIZE"); ok && v > 0 {
		cfg.ChunkSize = v
	}
	if v, ok := envInt("USB2SNES_BUFFER_LIMIT"); ok && v > 0 {
		cfg.BufferLimit = v
	}
	if v, ok := envBool("USB2SNES_PREEMPTIVE_DIR"); ok {
		cfg.PreemptiveDirCreate = v
	}
	if v, ok := envBool("USB2SNES_VERIFY_UPLOAD"); ok {
		cfg.VerifyAfterUpload = v
	}
	if v, ok := envInt("USB2SNES_TIMEOUT_PER_MB"); ok && v > 0 {
		cfg.TimeoutPerMB = time.Duration(v) * time.Second
	}
	return cfg
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(key string) (bool, bool) {
	switch os.Getenv(key) {
	case "":
		return false, false
	case "false", "FALSE", "False", "0", "no":
		return false, true
	default:
		return true, true
	}
}
