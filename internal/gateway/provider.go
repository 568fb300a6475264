package gateway

import (
	"errors"
	"sort"
	"strings"
)

// Notification is the normalised business content of a verified gateway
// callback. Only fields the gateway itself vouches for are present; HTTP
// envelope metadata never contributes to identity.
type Notification struct {
	// OrderRef is the merchant payment reference (payment number) the
	// gateway echoes back, e.g. "PAY-1001".
	OrderRef string
	// TransactionID is the gateway's own transaction number.
	TransactionID string
	// Amount is the notified amount in minor units.
	Amount int64
	// Succeeded reports whether the gateway result code indicates a
	// completed payment.
	Succeeded bool
	// Result carries the gateway-native result code for audit trails.
	Result string
}

// EventID derives the deduplication key from gateway business identifiers.
func (n Notification) EventID() string {
	return n.OrderRef + ":" + n.TransactionID
}

// EventType classifies the notification for the ledger.
func (n Notification) EventType() string {
	if n.Succeeded {
		return "payment.completed"
	}
	return "payment.failed"
}

// Verification failure classes. Handlers reject both before any ledger
// interaction; ErrIgnorableStatus acknowledges without ledgering because the
// gateway reported a non-terminal state that carries no payment outcome.
var (
	ErrInvalidSignature = errors.New("gateway: invalid signature")
	ErrMalformedPayload = errors.New("gateway: malformed payload")
	ErrIgnorableStatus  = errors.New("gateway: non-terminal status")
)

// Provider verifies raw callback payloads for one payment gateway. Verify is
// pure: it must not mutate state, and it must be reproducible from the stored
// raw payload alone so failed events can be replayed through the same path.
type Provider interface {
	Name() string
	Verify(raw []byte) (Notification, error)
}

// Registry resolves providers by their URL tag.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the supplied providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		m[strings.ToLower(p.Name())] = p
	}
	return &Registry{providers: m}
}

// Lookup returns the provider registered under the given tag.
func (r *Registry) Lookup(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names lists registered provider tags in stable order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
