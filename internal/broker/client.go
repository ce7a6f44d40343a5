// Package broker owns the MQTT side of the hub: one live connection per
// distinct broker endpoint identity, topic subscriptions, and the discovery
// pass that keeps subscriptions in step with registered devices.
package broker

// Modbus bridge topics, grouped by request/response pair.
const (
	TopicScanRequest       = "modbus/scan/request"
	TopicScanResult        = "modbus/scan/result"
	TopicDeviceInfoRequest = "modbus/deviceinfo/request"
	TopicDeviceInfoResult  = "modbus/deviceinfo/result"
	TopicReadParamsRequest = "modbus/readparams/request"
	TopicReadParamsResult  = "modbus/readparams/result"
)

// Endpoint identifies one broker connection target. Two devices share a
// connection exactly when their endpoints compare equal.
type Endpoint struct {
	URL      string
	Username string
	Password string
}

func (e Endpoint) key() string {
	return e.URL + "\x00" + e.Username + "\x00" + e.Password
}

// MessageHandler receives inbound messages for a subscription.
type MessageHandler func(topic string, payload []byte)

// Client is the minimal MQTT client surface the manager needs. The real
// implementation wraps paho; tests inject a fake.
type Client interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, payload []byte) error
	Disconnect()
}

// Dialer opens a connected client for an endpoint. onConnect runs on every
// (re)connect so subscriptions survive broker restarts.
type Dialer func(ep Endpoint, onConnect func(Client)) (Client, error)
