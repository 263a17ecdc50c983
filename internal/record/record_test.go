package record

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meshtele/log2"
)

func TestLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		r      Record
		expect string
	}{
		{"rx", RX{Sender: "aaaa::212:7402:2:202", Seq: 7, RecvTime: 1280, Len: 14}, "CSV,RX,aaaa::212:7402:2:202,7,1280,14"},
		{"rx-max", RX{Sender: "::1", Seq: 4294967295, RecvTime: 4294967295, Len: 95}, "CSV,RX,::1,4294967295,4294967295,95"},
		{"rtt", RTT{Seq: 1, T0: 1000, TAck: 1012, RTT: 12, Len: 14}, "CSV,RTT,1,1000,1012,12,14"},
		{"rtt-wrap", RTT{Seq: 2, T0: 4294967290, TAck: 3, RTT: 9, Len: 20}, "CSV,RTT,2,4294967290,3,9,20"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, c.expect, Line(c.r))
		})
	}
}

func TestWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(RX{Sender: "::1", Seq: 1, RecvTime: 2, Len: 3}))
	require.NoError(t, w.Write(RTT{Seq: 1, T0: 2, TAck: 5, RTT: 3, Len: 3}))
	require.NoError(t, w.Close())
	assert.Equal(t, "CSV,RX,::1,1,2,3\nCSV,RTT,1,2,5,3,3\n", buf.String())
}

func TestFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rx.csv")
	w := NewFile(FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, w.Write(RX{Sender: "::1", Seq: 9, RecvTime: 10, Len: 11}))
	require.NoError(t, w.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "CSV,RX,::1,9,10,11\n", string(b))
}

type failSink struct{ err error }

func (s failSink) Write(Record) error { return s.err }
func (s failSink) Close() error       { return s.err }

func TestMulti(t *testing.T) {
	t.Parallel()

	var b1, b2 bytes.Buffer
	m := Multi{NewWriter(&b1), failSink{errors.New("broken")}, NewWriter(&b2)}
	err := m.Write(RX{Sender: "::1", Seq: 1, RecvTime: 1, Len: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, b1.String(), b2.String())
	assert.True(t, strings.HasPrefix(b1.String(), "CSV,RX,"))

	assert.NoError(t, Multi{NewWriter(&b1), Discard{}}.Write(RTT{}))
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type fakeClient struct {
	mqtt.Client
	token        *fakeToken
	published    []string
	topics       []string
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.published = append(c.published, payload.(string))
	return c.token
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestMQTT(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		token  fakeToken
		expect string
	}
	cases := []Case{
		{"ok", fakeToken{}, ""},
		{"error", fakeToken{err: errors.New("not connected")}, "not connected"},
		{"timeout", fakeToken{timeout: true}, "timeout"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			fc := &fakeClient{token: &c.token}
			s := newMQTTClient(MQTTOptions{Log: log2.NewTest(t, log2.LDebug), NetworkTimeout: time.Second}, fc)
			err := s.Write(RX{Sender: "::1", Seq: 5, RecvTime: 6, Len: 7})
			if c.expect == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expect)
			}
			assert.Equal(t, []string{"CSV,RX,::1,5,6,7"}, fc.published)
			assert.Equal(t, []string{DefaultMQTTTopic}, fc.topics)
			require.NoError(t, s.Close())
			assert.True(t, fc.disconnected)
		})
	}
}

func TestMQTTBadBroker(t *testing.T) {
	t.Parallel()

	_, err := NewMQTT(MQTTOptions{BrokerURL: "not a url"})
	require.Error(t, err)
}
