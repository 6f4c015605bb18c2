package xdispatch

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
)

// TransportFactory builds a Transport from the generic config map produced by
// an adapter's Config.ToMap.
type TransportFactory func(cfg map[string]any) (Transport, error)

// CodecFactory returns a ready Codec.
type CodecFactory func() Codec

// registry is a name-indexed set of factories guarded for use from init.
type registry[F any] struct {
	mu sync.RWMutex
	m  map[string]F
}

func newRegistry[F any](seed map[string]F) *registry[F] {
	r := &registry[F]{m: make(map[string]F, len(seed))}
	for k, f := range seed {
		r.m[k] = f
	}
	return r
}

func (r *registry[F]) put(name string, f F) {
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
}

func (r *registry[F]) get(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[name]
	return f, ok
}

func (r *registry[F]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

var (
	transports = newRegistry[TransportFactory](nil)
	codecs     = newRegistry(map[string]CodecFactory{
		"json":  func() Codec { return JSONCodec{} },
		"sonic": func() Codec { return SonicCodec{} },
	})
)

// RegisterTransport makes a transport available to NewTransport and the
// BusBuilder. Adapters call it from init.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.Newf("transport %q: nil factory", name)
	}
	transports.put(name, factory)
	return nil
}

// NewTransport builds the transport registered under name.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	f, ok := transports.get(name)
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// TransportNames lists registered transports in sorted order.
func TransportNames() []string { return transports.names() }

func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.Newf("codec %q: nil factory", name)
	}
	codecs.put(name, factory)
	return nil
}

func NewCodec(name string) (Codec, error) {
	f, ok := codecs.get(name)
	if !ok {
		return nil, errors.Newf("codec %q not registered (have %v)", name, codecs.names())
	}
	return f(), nil
}

// CodecNames lists registered codecs in sorted order.
func CodecNames() []string { return codecs.names() }

// JSONCodec uses encoding/json and is the default.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// SonicCodec produces the same JSON as JSONCodec using bytedance/sonic.
type SonicCodec struct{}

func (SonicCodec) Marshal(v any) ([]byte, error)   { return sonic.Marshal(v) }
func (SonicCodec) Unmarshal(b []byte, v any) error { return sonic.Unmarshal(b, v) }
func (SonicCodec) Name() string                    { return "sonic" }

// Decode unmarshals msg.Payload into T with the codec the bus injected into
// ctx, or JSON when there is none.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return DecodeCodec[T](c, msg)
}

func DecodeCodec[T any](c Codec, msg *Message) (T, error) {
	var v T
	err := c.Unmarshal(msg.Payload, &v)
	return v, err
}
