package transport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/bigbag/ota-flasher/internal/config"
)

func testMQTTConfig() cfgpkg.MQTTConfig {
	return cfgpkg.MQTTConfig{
		Broker:         "tls://broker.example.com:8883",
		QoS:            1,
		ConnectTimeout: time.Second,
		Topics:         cfgpkg.TopicsConfig{Send: "bootloader-receive", Receive: "bootloader-send"},
		TLS:            cfgpkg.TLSConfig{Enable: true, InsecureSkipVerify: true},
	}
}

func TestMQTT_ClientOptions(t *testing.T) {
	m := &MQTT{cfg: testMQTTConfig(), log: zap.NewNop()}

	opts, err := m.clientOptions()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(opts.ClientID, "ota-flasher-"))
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker.example.com:8883", opts.Servers[0].Host)
	require.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.TLSConfig.InsecureSkipVerify)
}

func TestMQTT_ClientOptionsKeepsClientID(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.ClientID = "bench-01"
	m := &MQTT{cfg: cfg, log: zap.NewNop()}

	opts, err := m.clientOptions()
	require.NoError(t, err)
	assert.Equal(t, "bench-01", opts.ClientID)
}

func TestMQTT_TLSConfigRejectsBadCAFile(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.TLS.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	m := &MQTT{cfg: cfg, log: zap.NewNop()}

	_, err := m.clientOptions()
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	m.cfg.TLS.CAFile = bad

	_, err = m.clientOptions()
	assert.Error(t, err)
}

func TestMQTT_DropsMessagesWithoutReceiver(t *testing.T) {
	m := &MQTT{cfg: testMQTTConfig(), log: zap.NewNop()}
	m.onMessage(nil, fakeMessage{payload: []byte{0xFF}})

	var got []byte
	m.OnDeliver(func(b []byte) { got = b })
	m.onMessage(nil, fakeMessage{payload: []byte{0xFF}})
	assert.Equal(t, []byte{0xFF}, got)
}

type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "bootloader-send" }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
