package broker

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	tokenTimeout   = 5 * time.Second
	retryInterval  = 5 * time.Second
)

type pahoClient struct {
	client pahomqtt.Client
}

// PahoDialer returns a Dialer backed by the paho client, with
// auto-reconnect and periodic connect retry. Reconnect handling past the
// initial connect belongs entirely to paho; the manager never retries on
// its own.
func PahoDialer(logger *slog.Logger) Dialer {
	return func(ep Endpoint, onConnect func(Client)) (Client, error) {
		pc := &pahoClient{}

		opts := pahomqtt.NewClientOptions().
			AddBroker(ep.URL).
			SetClientID(fmt.Sprintf("switchgrid-%06x", rand.Intn(1<<24))).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(retryInterval).
			SetOnConnectHandler(func(_ pahomqtt.Client) {
				logger.Info("broker connected", "url", ep.URL)
				onConnect(pc)
			}).
			SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
				logger.Warn("broker connection lost", "url", ep.URL, "err", err)
			})

		if ep.Username != "" {
			opts.SetUsername(ep.Username)
			opts.SetPassword(ep.Password)
		}

		client := pahomqtt.NewClient(opts)
		pc.client = client // set before Connect: the connect handler may subscribe immediately
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			client.Disconnect(0)
			return nil, fmt.Errorf("connect %s: timeout", ep.URL)
		}
		if err := token.Error(); err != nil {
			client.Disconnect(0)
			return nil, fmt.Errorf("connect %s: %w", ep.URL, err)
		}

		return pc, nil
	}
}

func (p *pahoClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := p.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (p *pahoClient) Publish(topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *pahoClient) Disconnect() {
	p.client.Disconnect(1000)
}
