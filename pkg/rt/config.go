package rt

import (
	"os"
	"time"
)

// EnvEndpointURL overrides the default WebSocket endpoint.
const EnvEndpointURL = "SPEECHMATICS_RT_URL"

// DefaultEndpoint is the production realtime endpoint used when neither the
// config nor the environment names one.
const DefaultEndpoint = "wss://eu2.rt.speechmatics.com/v2"

// ConnectionConfig holds the WebSocket-level settings for one session.
// The zero value is usable; withDefaults fills in the documented defaults.
type ConnectionConfig struct {
	// URL is the WebSocket endpoint. Empty falls back to the
	// SPEECHMATICS_RT_URL environment variable, then DefaultEndpoint.
	URL string `yaml:"url"`

	// App annotates the endpoint URL with an application identifier.
	App string `yaml:"app"`

	// QueryAuth passes the credential as a ?jwt= query parameter instead of
	// an Authorization header, for environments that cannot set headers.
	QueryAuth bool `yaml:"query_auth"`

	// OpenTimeout bounds connect: dial, upgrade, and the first
	// RecognitionStarted. Default 30s.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// PingInterval is the keepalive ping cadence. Default 20s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PingTimeout fails the session when a pong is not seen in time.
	// Default 60s.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// CloseTimeout bounds the graceful drain during Finalize. Default 10s.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// AudioQueueDepth caps the outbound audio queue so that the number of
	// unacknowledged frames stays bounded. Default 256.
	AudioQueueDepth int `yaml:"audio_queue_depth"`

	// DialRetries is how many times a failed TCP/TLS dial is retried with
	// exponential backoff before giving up. Retries never happen once the
	// session has started. Default 3.
	DialRetries int `yaml:"dial_retries"`
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.URL == "" {
		c.URL = os.Getenv(EnvEndpointURL)
	}
	if c.URL == "" {
		c.URL = DefaultEndpoint
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 60 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.AudioQueueDepth <= 0 {
		c.AudioQueueDepth = 256
	}
	if c.DialRetries < 0 {
		c.DialRetries = 0
	} else if c.DialRetries == 0 {
		c.DialRetries = 3
	}
	return c
}
