// Package setups is the named strategy registry behind the CLI --setup
// flag. A setup wires callbacks onto an aggregator session; it owns no
// transport or lifecycle of its own.
package setups

import (
	"fmt"
	"sort"
	"sync"

	"em-agg-sdk/internal/aggregator"

	"go.uber.org/zap"
)

// Setup installs a trading strategy on a session before it runs.
type Setup interface {
	Name() string
	Install(agg *aggregator.Aggregator, log *zap.Logger)
}

var (
	mu       sync.Mutex
	registry = map[string]func() Setup{}
)

// Register makes a setup constructor available under its name. Duplicate
// names panic at init time; setups register from their own init functions.
func Register(name string, factory func() Setup) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("setups: duplicate registration %q", name))
	}
	registry[name] = factory
}

// New instantiates the named setup.
func New(name string) (Setup, error) {
	mu.Lock()
	factory, ok := registry[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown setup %q (known: %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered setups, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
