package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownBehavior is returned when no constructor is registered for a name.
var ErrUnknownBehavior = errors.New("unknown behavior")

// Constructor builds a fresh behavior instance.
type Constructor[T Behavior] func() T

type table[T Behavior] map[string]Constructor[T]

func (t table[T]) build(kind Kind, name string) (T, error) {
	fn, ok := t[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %q: %w", kind, name, ErrUnknownBehavior)
	}
	return fn(), nil
}

func (t table[T]) names() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Factory maps behavior names to constructors, one table per kind.
// It is populated at process start and read by the resolver.
type Factory struct {
	mu         sync.RWMutex
	actions    table[Action]
	properties table[Property]
	reportings table[Reporting]
	polls      table[Poll]
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		actions:    make(table[Action]),
		properties: make(table[Property]),
		reportings: make(table[Reporting]),
		polls:      make(table[Poll]),
	}
}

// RegisterAction adds or replaces the constructor for an action name.
func (f *Factory) RegisterAction(name string, fn Constructor[Action]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[name] = fn
}

// RegisterProperty adds or replaces the constructor for a property name.
func (f *Factory) RegisterProperty(name string, fn Constructor[Property]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.properties[name] = fn
}

// RegisterReporting adds or replaces the constructor for a reporting name.
func (f *Factory) RegisterReporting(name string, fn Constructor[Reporting]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportings[name] = fn
}

// RegisterPoll adds or replaces the constructor for a poll name.
func (f *Factory) RegisterPoll(name string, fn Constructor[Poll]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[name] = fn
}

// NewAction builds the action registered under name.
func (f *Factory) NewAction(name string) (Action, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.actions.build(KindAction, name)
}

// NewProperty builds the property registered under name.
func (f *Factory) NewProperty(name string) (Property, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.properties.build(KindProperty, name)
}

// NewReporting builds the reporting registered under name.
func (f *Factory) NewReporting(name string) (Reporting, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reportings.build(KindReporting, name)
}

// NewPoll builds the poll registered under name.
func (f *Factory) NewPoll(name string) (Poll, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.polls.build(KindPoll, name)
}

// Names returns the sorted registered names of one kind.
func (f *Factory) Names(kind Kind) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch kind {
	case KindAction:
		return f.actions.names()
	case KindProperty:
		return f.properties.names()
	case KindReporting:
		return f.reportings.names()
	case KindPoll:
		return f.polls.names()
	default:
		return nil
	}
}
