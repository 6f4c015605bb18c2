package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xdispatch"
)

// delivery is one stream entry handed to a worker lane. Deliveries are
// pooled; the first Ack or Nack settles it.
type delivery struct {
	t     *transport
	topic string
	group string
	id    string
	msg   *xdispatch.Message
	once  *sync.Once
	held  *inflight
}

func (d *delivery) Message() *xdispatch.Message {
	return d.msg
}

// Ack removes the entry from the pending list, and from the stream as well
// when AutoDeleteOnAck is set, in one round trip.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		defer d.release()
		if !d.t.cfg.AutoDeleteOnAck {
			err = d.t.client.XAck(ctx, d.topic, d.group, d.id).Err()
		} else {
			_, err = d.t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
				p.XAck(ctx, d.topic, d.group, d.id)
				p.XDel(ctx, d.topic, d.id)
				return nil
			})
		}
		if err == nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}

// Nack leaves the entry in the group's pending list. The claim loop hands it
// out again once it has been idle for ClaimMinIdle.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.release()
		d.t.metrics.nacked.Add(1)
	})
	return nil
}

// release hands the entry back to the claim loop.
func (d *delivery) release() {
	if d.held != nil {
		d.held.done(d.id)
	}
}

// encodeMessage lays a Message out as stream entry fields.
func encodeMessage(m *xdispatch.Message) map[string]any {
	vals := map[string]any{
		fieldID:         m.ID,
		fieldKey:        m.Key,
		fieldName:       m.Name,
		fieldPayload:    m.Payload,
		fieldProducedAt: m.ProducedAt.UnixNano(),
	}
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage rebuilds a Message from one stream entry in a single pass
// over its fields. The entry id stands in when the producer sent no id.
func decodeMessage(entryID string, vals map[string]any) *xdispatch.Message {
	msg := &xdispatch.Message{ID: entryID, Metadata: map[string]string{}}

	for field, v := range vals {
		switch field {
		case fieldID:
			if s := asString(v); s != "" {
				msg.ID = s
			}
		case fieldKey:
			msg.Key = asString(v)
		case fieldName:
			msg.Name = asString(v)
		case fieldPayload:
			switch p := v.(type) {
			case []byte:
				msg.Payload = p
			case string:
				msg.Payload = []byte(p)
			}
		case fieldProducedAt:
			if ns, ok := toInt64(v); ok && ns > 0 {
				msg.ProducedAt = time.Unix(0, ns)
			}
		default:
			if name, ok := strings.CutPrefix(field, fieldMetaPrefix); ok {
				msg.Metadata[name] = asString(v)
			}
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
