package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	cfgpkg "github.com/bigbag/ota-flasher/internal/config"
)

// MQTT carries bootloader messages over a pair of broker topics.
type MQTT struct {
	client mqtt.Client
	cfg    cfgpkg.MQTTConfig
	log    *zap.Logger

	mu      sync.RWMutex
	deliver func([]byte)
}

// DialMQTT connects to the broker and subscribes to the receive topic.
// The subscription is renewed on every reconnect.
func DialMQTT(ctx context.Context, cfg cfgpkg.MQTTConfig, log *zap.Logger) (*MQTT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &MQTT{cfg: cfg, log: log.Named("mqtt")}

	opts, err := m.clientOptions()
	if err != nil {
		return nil, err
	}
	m.client = mqtt.NewClient(opts)

	if err := wait(ctx, m.client.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Broker, err)
	}
	return m, nil
}

func (m *MQTT) clientOptions() (*mqtt.ClientOptions, error) {
	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "ota-flasher-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn("connection lost", zap.Error(err))
		})

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username).SetPassword(m.cfg.Password)
	}

	if m.cfg.TLS.Enable {
		tlsCfg, err := m.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func (m *MQTT) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: m.cfg.TLS.InsecureSkipVerify,
	}
	if m.cfg.TLS.CAFile != "" {
		pem, err := os.ReadFile(m.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", m.cfg.TLS.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.log.Info("connected", zap.String("broker", m.cfg.Broker))
	token := c.Subscribe(m.cfg.Topics.Receive, m.cfg.QoS, m.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			m.log.Error("subscribe failed", zap.String("topic", m.cfg.Topics.Receive), zap.Error(err))
			return
		}
		m.log.Info("subscribed", zap.String("topic", m.cfg.Topics.Receive))
	}()
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.mu.RLock()
	fn := m.deliver
	m.mu.RUnlock()

	if fn == nil {
		m.log.Debug("no receiver registered, dropping message", zap.String("topic", msg.Topic()))
		return
	}
	fn(msg.Payload())
}

// Send publishes data to the send topic.
func (m *MQTT) Send(ctx context.Context, data []byte) error {
	if err := wait(ctx, m.client.Publish(m.cfg.Topics.Send, m.cfg.QoS, false, data)); err != nil {
		return fmt.Errorf("publish to %s: %w", m.cfg.Topics.Send, err)
	}
	return nil
}

// OnDeliver registers the inbound message callback.
func (m *MQTT) OnDeliver(fn func([]byte)) {
	m.mu.Lock()
	m.deliver = fn
	m.mu.Unlock()
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
