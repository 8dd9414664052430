// Package mqttconn builds paho client options shared by the mqtt source and sink.
package mqttconn

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/ruuvigw/pkg/security"
	"github.com/c360/ruuvigw/pkg/tlsutil"
)

// Defaults
const (
	DefaultBroker         = "tcp://localhost:1883"
	DefaultKeepAlive      = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultWaitTimeout    = 5 * time.Second
)

// Config holds broker connection settings
type Config struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	KeepAliveSeconds int  `json:"keepalive,omitempty"`
	CleanSession     bool `json:"clean_session"`

	TLS security.ClientTLSConfig `json:"tls,omitempty"`
}

// Validate checks the broker url.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if !strings.Contains(c.Broker, "://") {
		return fmt.Errorf("broker %q must include a scheme such as tcp:// or ssl://", c.Broker)
	}
	return nil
}

// ResolveClientID returns the configured client id or a generated one prefixed with prefix.
func (c *Config) ResolveClientID(prefix string) string {
	if c.ClientID != "" {
		return c.ClientID
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "ruuvigw"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

// Handlers receive paho connection events.
type Handlers struct {
	OnConnect        mqtt.OnConnectHandler
	OnConnectionLost mqtt.ConnectionLostHandler
}

// ClientOptions builds paho options. Reconnects are left to the caller so connection state
// has a single owner.
func (c *Config) ClientOptions(clientID string, h Handlers, logger *slog.Logger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(c.CleanSession)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(DefaultConnectTimeout)
	opts.SetOrderMatters(false)

	keepAlive := DefaultKeepAlive
	if c.KeepAliveSeconds > 0 {
		keepAlive = time.Duration(c.KeepAliveSeconds) * time.Second
	}
	opts.SetKeepAlive(keepAlive)

	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}

	tlsConfig, err := tlsutil.LoadClientTLSConfig(c.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	if logger == nil {
		logger = slog.Default()
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("MQTT connection established", "broker", c.Broker, "client_id", clientID)
		if h.OnConnect != nil {
			h.OnConnect(client)
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "broker", c.Broker, "error", err)
		if h.OnConnectionLost != nil {
			h.OnConnectionLost(client, err)
		}
	})
	return opts, nil
}

// Wait waits for token up to timeout and returns its error.
func Wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt operation timed out after %s", timeout)
	}
	return token.Error()
}
