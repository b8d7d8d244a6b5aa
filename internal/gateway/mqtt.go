// Package gateway implements the Frame Bus transport that exchanges
// uplink/downlink/stats/ack frames with gateway bridges. MQTT is the only
// backend implemented, matching the project's default deployment.
package gateway

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/lorawan"
)

// Backend defines the interface every Frame Bus transport must implement.
type Backend interface {
	SendDownlinkFrame(gw.DownlinkFrame) error
	SetUplinkFrameFunc(func(gw.UplinkFrame))
	SetGatewayStatsFunc(func(gw.GatewayStats))
	SetDownlinkTXAckFunc(func(gw.DownlinkTXAck))
	Close() error
}

// MQTTBackend implements Backend over an MQTT broker, using per-gateway
// topics templated with the gateway's EUI.
type MQTTBackend struct {
	conf   config.MQTTConfig
	client mqtt.Client

	uplinkFunc       func(gw.UplinkFrame)
	statsFunc        func(gw.GatewayStats)
	downlinkTXAckFunc func(gw.DownlinkTXAck)
}

// NewMQTTBackend creates a new MQTTBackend and connects to the broker.
func NewMQTTBackend(conf config.MQTTConfig) (*MQTTBackend, error) {
	b := MQTTBackend{
		conf: conf,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetKeepAlive(conf.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "gateway/mqtt: connect error")
	}

	return &b, nil
}

func (b *MQTTBackend) onConnected(c mqtt.Client) {
	log.Info("gateway/mqtt: connected to mqtt broker")

	for _, topic := range []string{b.conf.UplinkTopic, b.conf.StatsTopic, b.conf.AckTopic} {
		if topic == "" {
			continue
		}
		if token := c.Subscribe(topic, 0, b.handleMessage); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).WithField("topic", topic).Error("gateway/mqtt: subscribe error")
		}
	}
}

func (b *MQTTBackend) onConnectionLost(c mqtt.Client, err error) {
	log.WithError(err).Warning("gateway/mqtt: connection to mqtt broker lost")
}

func (b *MQTTBackend) handleMessage(c mqtt.Client, msg mqtt.Message) {
	switch {
	case b.conf.UplinkTopic != "" && topicMatch(b.conf.UplinkTopic, msg.Topic()):
		var uf gw.UplinkFrame
		if err := gob.NewDecoder(bytes.NewReader(msg.Payload())).Decode(&uf); err != nil {
			log.WithError(err).Error("gateway/mqtt: decode uplink frame error")
			return
		}
		if b.uplinkFunc != nil {
			b.uplinkFunc(uf)
		}
	case b.conf.StatsTopic != "" && topicMatch(b.conf.StatsTopic, msg.Topic()):
		var stats gw.GatewayStats
		if err := gob.NewDecoder(bytes.NewReader(msg.Payload())).Decode(&stats); err != nil {
			log.WithError(err).Error("gateway/mqtt: decode gateway stats error")
			return
		}
		if b.statsFunc != nil {
			b.statsFunc(stats)
		}
	case b.conf.AckTopic != "" && topicMatch(b.conf.AckTopic, msg.Topic()):
		var ack gw.DownlinkTXAck
		if err := gob.NewDecoder(bytes.NewReader(msg.Payload())).Decode(&ack); err != nil {
			log.WithError(err).Error("gateway/mqtt: decode downlink tx ack error")
			return
		}
		if b.downlinkTXAckFunc != nil {
			b.downlinkTXAckFunc(ack)
		}
	}
}

// SendDownlinkFrame publishes the given downlink frame to the gateway's
// downlink topic.
func (b *MQTTBackend) SendDownlinkFrame(frame gw.DownlinkFrame) error {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], frame.GatewayId)

	topic := gatewayTopic(b.conf.DownlinkTopic, gatewayID)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&frame); err != nil {
		return errors.Wrap(err, "gateway/mqtt: encode downlink frame error")
	}

	token := b.client.Publish(topic, 0, false, buf.Bytes())
	if token.WaitTimeout(time.Second*5) && token.Error() != nil {
		return errors.Wrap(token.Error(), "gateway/mqtt: publish downlink frame error")
	}

	return nil
}

// SetUplinkFrameFunc sets the callback invoked for every received uplink frame.
func (b *MQTTBackend) SetUplinkFrameFunc(f func(gw.UplinkFrame)) {
	b.uplinkFunc = f
}

// SetGatewayStatsFunc sets the callback invoked for every received gateway stats frame.
func (b *MQTTBackend) SetGatewayStatsFunc(f func(gw.GatewayStats)) {
	b.statsFunc = f
}

// SetDownlinkTXAckFunc sets the callback invoked for every received downlink tx ack.
func (b *MQTTBackend) SetDownlinkTXAckFunc(f func(gw.DownlinkTXAck)) {
	b.downlinkTXAckFunc = f
}

// Close disconnects from the broker.
func (b *MQTTBackend) Close() error {
	b.client.Disconnect(250)
	return nil
}

// gatewayTopic fills the {{ .GatewayID }} template variable in the given
// topic pattern with the gateway's EUI (lower-case hex).
func gatewayTopic(tmpl string, gatewayID lorawan.EUI64) string {
	return strings.ReplaceAll(tmpl, "{{ .GatewayID }}", fmt.Sprintf("%x", gatewayID[:]))
}

// topicMatch reports whether the given concrete topic matches a
// subscription pattern containing a single '+' wildcard segment.
func topicMatch(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] == "+" {
			continue
		}
		if pp[i] != tp[i] {
			return false
		}
	}
	return true
}
