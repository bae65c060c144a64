// Package publish mirrors the counter onto an MQTT broker: a retained state
// topic, one topic per lane count and a reset command topic.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/banshee-data/lanecount/internal/broadcast"
	"github.com/banshee-data/lanecount/internal/lane"
	"github.com/banshee-data/lanecount/internal/monitoring"
)

var logf = monitoring.Tagged("mqtt")

// Resetter starts a new counting session.
type Resetter interface {
	Reset(ctx context.Context, origin string) lane.Snapshot
}

type Options struct {
	// Broker is the host:port of the MQTT server.
	Broker   string
	Prefix   string
	ClientID string
	Username string
	Password string
	// KeepAlive is sent in CONNECT, rounded down to seconds.
	KeepAlive time.Duration
	// RetryInterval is the delay before reconnecting after a lost session.
	RetryInterval time.Duration
}

// CountMessage is published on <prefix>/lanes/<n>/count.
type CountMessage struct {
	Lane        int    `json:"lane"`
	Count       uint32 `json:"count"`
	Total       uint64 `json:"total"`
	SessionID   string `json:"session_id"`
	TimestampMS int64  `json:"ts"`
}

type Publisher struct {
	opts     Options
	hub      *broadcast.Hub
	resetter Resetter
	counts   chan CountMessage
}

func New(hub *broadcast.Hub, resetter Resetter, opts Options) *Publisher {
	if opts.Prefix == "" {
		opts.Prefix = "lanecount"
	}
	if opts.ClientID == "" {
		opts.ClientID = "lanecount"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Publisher{
		opts:     opts,
		hub:      hub,
		resetter: resetter,
		counts:   make(chan CountMessage, 64),
	}
}

func (p *Publisher) StateTopic() string { return p.opts.Prefix + "/state" }

func (p *Publisher) ResetTopic() string { return p.opts.Prefix + "/cmd/reset" }

func (p *Publisher) CountTopic(laneNum int) string {
	return fmt.Sprintf("%s/lanes/%d/count", p.opts.Prefix, laneNum)
}

// OnCount queues a per-lane count message. It has the signature of an
// acquisition loop count hook and never blocks; messages are dropped while
// the queue is full.
func (p *Publisher) OnCount(snap lane.Snapshot, laneIdx int) {
	if laneIdx < 0 || laneIdx >= len(snap.Lanes) {
		return
	}
	msg := CountMessage{
		Lane:        laneIdx + 1,
		Count:       snap.Lanes[laneIdx].Count,
		Total:       snap.Total,
		SessionID:   snap.SessionID,
		TimestampMS: snap.TimestampMS,
	}
	select {
	case p.counts <- msg:
	default:
		logf("count queue full, dropping lane %d count %d", msg.Lane, msg.Count)
	}
}

// Run keeps a session with the broker until ctx is cancelled or the hub
// shuts down, reconnecting after failures.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Hub closed.
			return nil
		}
		logf("session with %s ended: %v; retrying in %s", p.opts.Broker, err, p.opts.RetryInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.opts.RetryInterval):
		}
	}
}

func (p *Publisher) session(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.opts.Broker)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.opts.Broker, err)
	}

	clientErr := make(chan error, 1)
	fail := func(err error) {
		select {
		case clientErr <- err:
		default:
		}
	}
	client := paho.NewClient(paho.ClientConfig{
		ClientID: p.opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if pr.Packet.Topic != p.ResetTopic() {
					return false, nil
				}
				if pr.Packet.Retain {
					logf("ignoring retained message on %s", pr.Packet.Topic)
					return true, nil
				}
				snap := p.resetter.Reset(ctx, "mqtt")
				logf("reset via %s, new session %s", pr.Packet.Topic, snap.SessionID)
				return true, nil
			},
		},
		OnClientError: fail,
		OnServerDisconnect: func(d *paho.Disconnect) {
			fail(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	connect := &paho.Connect{
		ClientID:     p.opts.ClientID,
		CleanStart:   true,
		KeepAlive:    uint16(p.opts.KeepAlive.Seconds()),
		Username:     p.opts.Username,
		UsernameFlag: p.opts.Username != "",
		Password:     []byte(p.opts.Password),
		PasswordFlag: p.opts.Password != "",
	}
	ca, err := client.Connect(ctx, connect)
	if err != nil {
		conn.Close()
		return fmt.Errorf("connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("connect refused, reason code %d", ca.ReasonCode)
	}
	logf("connected to %s as %s", p.opts.Broker, p.opts.ClientID)
	defer func() {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}()

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.ResetTopic(), QoS: 1, RetainHandling: 2}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.ResetTopic(), err)
	}

	id, snaps := p.hub.Subscribe()
	defer p.hub.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-clientErr:
			return err
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("marshal state: %w", err)
			}
			if err := p.publish(ctx, client, p.StateTopic(), payload, true); err != nil {
				return err
			}
		case msg := <-p.counts:
			payload, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal count: %w", err)
			}
			if err := p.publish(ctx, client, p.CountTopic(msg.Lane), payload, false); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, client *paho.Client, topic string, payload []byte, retain bool) error {
	_, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Retain:  retain,
		Payload: payload,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return err
}
