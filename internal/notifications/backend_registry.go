package notifications

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)
type ReceiptQueueFactory func(dsn string, capacity int) (ReceiptQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	stateFactories map[string]StateBackendFactory
	queueFactories map[string]ReceiptQueueFactory
}{
	stateFactories: map[string]StateBackendFactory{},
	queueFactories: map[string]ReceiptQueueFactory{},
}

// RegisterStateBackendFactory makes scheme resolvable by
// BuildStateBackendFromDSN. Registered factories win over built-ins.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func RegisterReceiptQueueFactory(scheme string, factory ReceiptQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[normalizeBackendScheme(scheme)]
	return factory, ok
}

func lookupReceiptQueueFactory(scheme string) (ReceiptQueueFactory, bool) {
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[normalizeBackendScheme(scheme)]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
