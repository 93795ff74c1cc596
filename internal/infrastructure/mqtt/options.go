package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/icaro258/iotv/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is how long Disconnect waits for pending
	// operations, in milliseconds (paho takes a uint).
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2
)

// buildClientOptions maps the mqtt section of config.yaml onto paho
// client options.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session: subscriptions are restored by the client itself on
	// reconnect, so no broker-side session state is needed.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	return opts
}

// presence is the monitor's liveness announcement on the system status
// topic. Reason is set on offline payloads only.
type presence struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (p presence) encode() string {
	p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	b, _ := json.Marshal(p)
	return string(b)
}

// configureLWT registers the monitor's last will on iotv/system/status.
// The broker publishes it, retained at QoS 1, if the monitor drops off
// without a graceful Close.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	will := presence{Status: "offline", ClientID: clientID, Reason: "unexpected_disconnect"}
	opts.SetWill(Topics{}.SystemStatus(), will.encode(), 1, true)
}

// buildOnlinePayload is the monitor's retained liveness announcement.
func buildOnlinePayload(clientID string) string {
	return presence{Status: "online", ClientID: clientID}.encode()
}

// buildOfflinePayload is the graceful counterpart of the LWT payload.
func buildOfflinePayload(clientID string) string {
	return presence{Status: "offline", ClientID: clientID, Reason: "graceful_shutdown"}.encode()
}
