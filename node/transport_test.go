package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	core "github.com/shardbay/go-node-core"
)

// memNet is an in-process overlay: transports attached to it route Send
// calls straight into the target node's registered handlers and fan Publish
// out to subscribers.
type memNet struct {
	mu         sync.Mutex
	transports map[string]*memTransport
}

func newMemNet() *memNet {
	return &memNet{transports: make(map[string]*memTransport)}
}

func (n *memNet) attach(owner core.Contact) *memTransport {
	t := &memTransport{
		net:      n,
		owner:    owner,
		handlers: make(map[string]core.HandlerFunc),
		topics:   make(map[string][]chan core.TopicMessage),
	}
	n.mu.Lock()
	n.transports[owner.Identity] = t
	n.mu.Unlock()
	return t
}

type memTransport struct {
	net   *memNet
	owner core.Contact

	mu       sync.Mutex
	handlers map[string]core.HandlerFunc
	topics   map[string][]chan core.TopicMessage
	pingErr  error
}

var _ core.Transport = (*memTransport)(nil)

func (t *memTransport) RegisterHandler(verb string, h core.HandlerFunc) {
	t.mu.Lock()
	t.handlers[verb] = h
	t.mu.Unlock()
}

func (t *memTransport) Send(ctx context.Context, to core.Contact, verb string, params []interface{}) ([]json.RawMessage, error) {
	t.net.mu.Lock()
	target, ok := t.net.transports[to.Identity]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no route to %s", to.Identity)
	}
	target.mu.Lock()
	h, ok := target.handlers[verb]
	target.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("verb %s not handled", verb)
	}

	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	reply, err := h(ctx, t.owner, raw)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(reply))
	for i, p := range reply {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (t *memTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.net.mu.Lock()
	transports := make([]*memTransport, 0, len(t.net.transports))
	for _, tr := range t.net.transports {
		transports = append(transports, tr)
	}
	t.net.mu.Unlock()
	for _, tr := range transports {
		tr.mu.Lock()
		subs := tr.topics[topic]
		tr.mu.Unlock()
		for _, ch := range subs {
			ch <- core.TopicMessage{From: t.owner, Payload: payload}
		}
	}
	return nil
}

func (t *memTransport) Subscribe(ctx context.Context, topic string) (<-chan core.TopicMessage, error) {
	ch := make(chan core.TopicMessage, 16)
	t.mu.Lock()
	t.topics[topic] = append(t.topics[topic], ch)
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (t *memTransport) Ping(ctx context.Context, to core.Contact) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pingErr
}

type stubWallet struct {
	err error
}

func (w stubWallet) NewAddress(ctx context.Context) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	return "payment-address-stub", nil
}
