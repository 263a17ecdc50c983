package record

import (
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/meshtele/log2"
)

const DefaultMQTTTopic = "meshtele/rx"

type MQTTOptions struct {
	Log            *log2.Log
	BrokerURL      string
	ClientID       string
	Topic          string
	NetworkTimeout time.Duration
}

// MQTT sink publishes each line as one QoS 0 message.
// Broker outage loses records, same as the radio link would.
type MQTT struct {
	log     *log2.Log
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

var _ Sink = (*MQTT)(nil)

func NewMQTT(opt MQTTOptions) (*MQTT, error) {
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error record mqtt_broker=%s", opt.BrokerURL)
	}
	if opt.ClientID == "" {
		opt.ClientID = fmt.Sprintf("meshtele-%d", time.Now().UnixNano()%100000)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = 5 * time.Second
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetClientID(opt.ClientID).
		SetCleanSession(true).
		SetConnectTimeout(opt.NetworkTimeout).
		SetConnectRetry(true).
		SetConnectRetryInterval(opt.NetworkTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) { opt.Log.Infof("record: mqtt connected broker=%s", opt.BrokerURL) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { opt.Log.Errorf("record: mqtt connection lost err=%v", err) })
	client := mqtt.NewClient(mopt)
	// with ConnectRetry token completes only on success or Disconnect
	_ = client.Connect()
	return newMQTTClient(opt, client), nil
}

func newMQTTClient(opt MQTTOptions, client mqtt.Client) *MQTT {
	if opt.Topic == "" {
		opt.Topic = DefaultMQTTTopic
	}
	return &MQTT{log: opt.Log, client: client, topic: opt.Topic, timeout: opt.NetworkTimeout}
}

func (s *MQTT) Write(r Record) error {
	token := s.client.Publish(s.topic, 0, false, Line(r))
	if !token.WaitTimeout(s.timeout) {
		return errors.Errorf("record: mqtt publish topic=%s timeout", s.topic)
	}
	return errors.Annotatef(token.Error(), "record: mqtt publish topic=%s", s.topic)
}

func (s *MQTT) Close() error {
	s.client.Disconnect(uint(s.timeout / time.Millisecond))
	return nil
}
