package eventbus

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/VanDung-dev/eventnet/network"
)

// ErrAlreadyDeclared is returned when a type or wire name is declared twice.
var ErrAlreadyDeclared = errors.New("networked type already declared")

// Outbound is one networked publish handed to the Outbox. Encode serializes
// the payload with the bus codec; it runs on the outbound worker, not on the
// publishing goroutine.
type Outbound struct {
	TypeName string
	Scope    network.Scope
	Encode   func() ([]byte, error)
}

// Outbox accepts networked publishes without blocking. Submit fails with a
// *network.SendError when the event cannot be queued.
type Outbox interface {
	Submit(Outbound) error
}

type netType struct {
	name  string
	scope network.Scope
	typ   reflect.Type
	// decode returns a closure that publishes the decoded value with its origin.
	decode func(payload []byte) (func(origin *network.Metadata), error)
}

// Declare marks E as networked under the stable wire name typeName with a
// default scope used by PublishNetworked.
func Declare[E any](b *Bus, typeName string, scope network.Scope) error {
	if typeName == "" {
		return fmt.Errorf("declare %s: empty type name", reflect.TypeFor[E]())
	}
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("declare %s: %w", typeName, err)
	}

	key := reflect.TypeFor[E]()
	b.netMu.Lock()
	defer b.netMu.Unlock()

	if prev, ok := b.netTypes[key]; ok {
		return fmt.Errorf("%w: %s as %q", ErrAlreadyDeclared, key, prev.name)
	}
	if prev, ok := b.netNames[typeName]; ok {
		return fmt.Errorf("%w: name %q used by %s", ErrAlreadyDeclared, typeName, prev.typ)
	}

	nt := &netType{
		name:  typeName,
		scope: scope,
		typ:   key,
		decode: func(payload []byte) (func(*network.Metadata), error) {
			var ev E
			if err := b.codec.Unmarshal(payload, &ev); err != nil {
				return nil, err
			}
			return func(origin *network.Metadata) {
				channelFor[E](b).push(ev, origin)
			}, nil
		},
	}
	b.netTypes[key] = nt
	b.netNames[typeName] = nt

	b.log.Debug().
		Str("type", typeName).
		Stringer("scope", scope).
		Msg("networked type declared")
	return nil
}

// MustDeclare is like Declare but panics on error. Intended for startup code.
func MustDeclare[E any](b *Bus, typeName string, scope network.Scope) {
	if err := Declare[E](b, typeName, scope); err != nil {
		panic(err)
	}
}

// TypeName returns the wire name E was declared with.
func TypeName[E any](b *Bus) (string, bool) {
	b.netMu.RLock()
	defer b.netMu.RUnlock()
	nt, ok := b.netTypes[reflect.TypeFor[E]()]
	if !ok {
		return "", false
	}
	return nt.name, true
}

// NetworkedTypes returns the declared wire names.
func (b *Bus) NetworkedTypes() []string {
	b.netMu.RLock()
	defer b.netMu.RUnlock()
	names := make([]string, 0, len(b.netNames))
	for name := range b.netNames {
		names = append(names, name)
	}
	return names
}

// Attach installs the outbox that receives networked publishes, replacing
// any previous one. A nil outbox detaches.
func (b *Bus) Attach(o Outbox) {
	b.netMu.Lock()
	b.outbox = o
	b.netMu.Unlock()
}

// PublishNetworked publishes event locally and submits it to the network
// with the type's default scope.
func PublishNetworked[E any](b *Bus, event E) error {
	return publishNetworked(b, event, nil)
}

// PublishScoped is PublishNetworked with a per-call scope.
func PublishScoped[E any](b *Bus, event E, scope network.Scope) error {
	return publishNetworked(b, event, &scope)
}

func publishNetworked[E any](b *Bus, event E, scope *network.Scope) error {
	Publish(b, event)

	key := reflect.TypeFor[E]()
	b.netMu.RLock()
	nt, declared := b.netTypes[key]
	outbox := b.outbox
	b.netMu.RUnlock()

	if !declared {
		return &network.SendError{TypeName: key.String(), Err: network.ErrUnknownType}
	}

	sc := nt.scope
	if scope != nil {
		if err := scope.Validate(); err != nil {
			return &network.SendError{TypeName: nt.name, Err: err}
		}
		sc = *scope
	}

	if outbox == nil {
		b.log.Debug().
			Str("type", nt.name).
			Stringer("scope", sc).
			Msg("no network backend attached, delivered locally only")
		return nil
	}

	codec := b.codec
	return outbox.Submit(Outbound{
		TypeName: nt.name,
		Scope:    sc,
		Encode:   func() ([]byte, error) { return codec.Marshal(event) },
	})
}
