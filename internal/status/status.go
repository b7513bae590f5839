// Package status publishes bridge events to an MQTT broker so a lab
// controller can follow many bridges at once.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/bigbag/ice-bridge/internal/machine"
)

const (
	// QueueSize bounds the events waiting to be published.
	QueueSize      = 64
	ConnectTimeout = 5 * time.Second
	PublishTimeout = 2 * time.Second

	appID = "ice-bridge"
)

// DeviceID returns a stable identifier for this host, hashed so the raw
// machine ID never leaves it.
func DeviceID() (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", fmt.Errorf("machine id: %w", err)
	}
	return id, nil
}

// ClientOptionsFromURL creates ClientOptions from URL. The URL path is
// returned as the topic prefix.
func ClientOptionsFromURL(serverURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", err
	}
	var server string
	if u.Scheme == "" || u.Scheme == "mqtt" {
		server = "tcp"
	} else {
		server = u.Scheme
	}
	server += "://" + u.Host

	topicPrefix := strings.TrimPrefix(u.Path, "/")
	if topicPrefix != "" && !strings.HasSuffix(topicPrefix, "/") {
		topicPrefix += "/"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(server).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}

	if clientID := u.Query().Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}

	return opts, topicPrefix, nil
}

// Topic returns the topic events of one device are published on.
func Topic(prefix, serial string, kind machine.EventKind) string {
	return prefix + appID + "/" + serial + "/" + string(kind)
}

// Timing mirrors ice.FlashTiming in JSON.
type Timing struct {
	Init  int64 `json:"init"`
	Start int64 `json:"start"`
	Open  int64 `json:"open"`
	Write int64 `json:"write"`
	Close int64 `json:"close"`
}

// Message is the JSON document published for every event.
type Message struct {
	Event  string    `json:"event"`
	Serial string    `json:"serial"`
	Time   time.Time `json:"time"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Received *int `json:"received,omitempty"`
	Capacity *int `json:"capacity,omitempty"`

	Pulses *uint32 `json:"pulses,omitempty"`
	Timing *Timing `json:"timing,omitempty"`
}

// Encode renders e as a Message.
func Encode(e machine.Event, serial string) ([]byte, error) {
	msg := Message{
		Event:  string(e.Kind),
		Serial: serial,
		Time:   e.Time.UTC(),
	}
	switch e.Kind {
	case machine.EventState:
		msg.From = e.From.String()
		msg.To = e.To.String()
	case machine.EventWatchdog:
		msg.Received = &e.Received
		msg.Capacity = &e.Capacity
	case machine.EventFlash:
		t := e.Flash.Timing
		msg.Pulses = &e.Flash.Pulses
		msg.Timing = &Timing{Init: t.Init, Start: t.Start, Open: t.Open, Write: t.Write, Close: t.Close}
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return json.Marshal(msg)
}

// Client is the part of paho.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher forwards machine events to MQTT. It implements
// machine.Notifier; Notify never blocks.
type Publisher struct {
	client Client
	conn   paho.Client
	prefix string
	serial string
	queue  chan machine.Event
}

// New creates a Publisher on an existing client.
func New(client Client, prefix, serial string) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		serial: serial,
		queue:  make(chan machine.Event, QueueSize),
	}
}

// Dial connects to the broker at brokerURL.
func Dial(brokerURL, serial string) (*Publisher, error) {
	opts, prefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("bad broker url: %w", err)
	}
	if opts.ClientID == "" {
		id := serial
		if len(id) > 12 {
			id = id[:12]
		}
		opts.SetClientID(appID + "-" + id)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		glog.Info("status: connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		glog.Warningf("status: connection lost: %v", err)
	})

	conn := paho.NewClient(opts)
	token := conn.Connect()
	if !token.WaitTimeout(ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", brokerURL, err)
	}

	p := New(conn, prefix, serial)
	p.conn = conn
	return p, nil
}

// Notify implements machine.Notifier. Events are dropped when the queue is
// full.
func (p *Publisher) Notify(e machine.Event) {
	select {
	case p.queue <- e:
	default:
		glog.Warningf("status: queue full, dropping %s event", e.Kind)
	}
}

// Run publishes queued events until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.queue:
			if err := p.publish(e); err != nil {
				glog.Warningf("status: %v", err)
			}
		}
	}
}

func (p *Publisher) publish(e machine.Event) error {
	payload, err := Encode(e, p.serial)
	if err != nil {
		return err
	}
	topic := Topic(p.prefix, p.serial, e.Kind)
	glog.V(2).Infof("PUB %q", topic)
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(PublishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker if Dial opened the connection.
func (p *Publisher) Close() error {
	if p.conn != nil {
		p.conn.Disconnect(250)
	}
	return nil
}

var _ machine.Notifier = (*Publisher)(nil)
