package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/DoorGo/internal/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // ms
	defaultKeepAlive         = 60 * time.Second
	reconnectInterval        = 5 * time.Second
	maxReconnectInterval     = 2 * time.Minute
	maxQoS                   = 2

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Topics builds the door's topic names under a prefix.
type Topics struct {
	Prefix string
}

// Command is where remote commands arrive: {"action":"open"}.
func (t Topics) Command() string { return t.Prefix + "/command" }

// Result carries the admission result of each command.
func (t Topics) Result() string { return t.Prefix + "/result" }

// Status is the retained door status.
func (t Topics) Status() string { return t.Prefix + "/status" }

// Event carries every arbiter event, not retained.
func (t Topics) Event() string { return t.Prefix + "/event" }

// Availability is "online" or "offline", retained; the broker publishes
// "offline" as the last will.
func (t Topics) Availability() string { return t.Prefix + "/availability" }

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(reconnectInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	topics := Topics{Prefix: cfg.TopicPrefix}
	opts.SetWill(topics.Availability(), availabilityOffline, 1, true)
	return opts
}
