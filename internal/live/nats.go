package live

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject carries count changes between server instances. The slug travels
// in the payload because slugs may contain '.', the NATS token separator.
const Subject = "views.updated"

// ConnectNATS dials url with reconnect-forever options. The initial dial is
// retried with exponential backoff until ctx is done.
func ConnectNATS(ctx context.Context, url, name string) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("live: empty NATS url")
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.PingInterval(20 * time.Second),
		nats.Timeout(3 * time.Second),
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = 30 * time.Second

	var nc *nats.Conn
	err := backoff.Retry(func() error {
		c, err := nats.Connect(url, opts...)
		if err != nil {
			return err
		}
		nc = c
		return nil
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// NATSRelay publishes count changes to NATS and feeds every change received
// from NATS, including its own, into a local Broker. With a relay in place
// every instance's subscribers see increments accepted by any instance.
type NATSRelay struct {
	nc     *nats.Conn
	broker *Broker
	sub    *nats.Subscription
	log    zerolog.Logger
}

// NewNATSRelay subscribes to Subject on nc and forwards messages to broker.
func NewNATSRelay(nc *nats.Conn, broker *Broker, log zerolog.Logger) (*NATSRelay, error) {
	r := &NATSRelay{nc: nc, broker: broker, log: log}
	sub, err := nc.Subscribe(Subject, r.handle)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

func (r *NATSRelay) handle(m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil || msg.Slug == "" {
		r.log.Warn().Err(err).Msg("live: dropping malformed relay message")
		return
	}
	if msg.Reset {
		r.broker.Reset(msg.Slug, msg.ViewCount)
		return
	}
	r.broker.Publish(msg.Slug, msg.ViewCount)
}

// Notify implements Notifier by publishing to NATS.
func (r *NATSRelay) Notify(_ context.Context, slug string, count int64) error {
	return r.publish(Message{Type: TypeUpdate, Slug: slug, ViewCount: count})
}

// NotifyReset publishes a count that subscribers accept even when it is
// lower than what they last saw.
func (r *NATSRelay) NotifyReset(_ context.Context, slug string, count int64) error {
	return r.publish(Message{Type: TypeUpdate, Slug: slug, ViewCount: count, Reset: true})
}

func (r *NATSRelay) publish(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.nc.Publish(Subject, b)
}

// Close drains the relay subscription. The connection itself stays open.
func (r *NATSRelay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}

// NotifyReset lets the local broker stand in wherever a relay is expected.
func (b *Broker) NotifyReset(_ context.Context, slug string, count int64) error {
	b.Reset(slug, count)
	return nil
}
