package store

import (
	"sync"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// MemoryOrderStore implements OrderStore over in-process maps with secondary
// indexes by client and broker order id.
type MemoryOrderStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.Order
	byClient map[string]string // client order id -> order id
	byBroker map[string]string // broker order id -> order id
}

// NewMemoryOrderStore creates an empty in-memory order store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		byID:     make(map[string]*models.Order),
		byClient: make(map[string]string),
		byBroker: make(map[string]string),
	}
}

// Put inserts or updates an order. A ClientOrderID already bound to a
// different order is rejected; that uniqueness is what makes order creation
// idempotent under retries.
func (s *MemoryOrderStore) Put(order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ClientOrderID != "" {
		if existing, ok := s.byClient[order.ClientOrderID]; ok && existing != order.ID {
			return errors.ErrDuplicateOrder
		}
	}

	s.byID[order.ID] = order
	if order.ClientOrderID != "" {
		s.byClient[order.ClientOrderID] = order.ID
	}
	if order.BrokerOrderID != "" {
		s.byBroker[order.BrokerOrderID] = order.ID
	}
	return nil
}

// Get returns an order by id.
func (s *MemoryOrderStore) Get(id string) (*models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	return o, ok
}

// GetByClientOrderID returns an order by its client-derived id.
func (s *MemoryOrderStore) GetByClientOrderID(clientOrderID string) (*models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byClient[clientOrderID]
	if !ok {
		return nil, false
	}
	o, ok := s.byID[id]
	return o, ok
}

// GetByBrokerOrderID returns an order by its venue-assigned id.
func (s *MemoryOrderStore) GetByBrokerOrderID(brokerOrderID string) (*models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byBroker[brokerOrderID]
	if !ok {
		return nil, false
	}
	o, ok := s.byID[id]
	return o, ok
}

// BySymbol returns all orders for a symbol.
func (s *MemoryOrderStore) BySymbol(symbol string) []*models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Order
	for _, o := range s.byID {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// ByStatus returns all orders in the given state.
func (s *MemoryOrderStore) ByStatus(status models.OrderState) []*models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Order
	for _, o := range s.byID {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Open returns all orders in non-terminal states.
func (s *MemoryOrderStore) Open() []*models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Order
	for _, o := range s.byID {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// All returns every stored order.
func (s *MemoryOrderStore) All() []*models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Order, 0, len(s.byID))
	for _, o := range s.byID {
		out = append(out, o)
	}
	return out
}

// MemoryIntentStore implements IntentStore over in-process maps.
type MemoryIntentStore struct {
	mu          sync.RWMutex
	byID        map[string]*models.Intent
	byClientKey map[string]string // client intent id -> intent id
}

// NewMemoryIntentStore creates an empty in-memory intent store.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		byID:        make(map[string]*models.Intent),
		byClientKey: make(map[string]string),
	}
}

// Put inserts or updates an intent. A ClientIntentID already bound to a
// different intent is rejected.
func (s *MemoryIntentStore) Put(intent *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byClientKey[intent.ClientIntentID]; ok && existing != intent.ID {
		return errors.ErrDuplicateOrder
	}
	s.byID[intent.ID] = intent
	s.byClientKey[intent.ClientIntentID] = intent.ID
	return nil
}

// Get returns an intent by id.
func (s *MemoryIntentStore) Get(id string) (*models.Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.byID[id]
	return in, ok
}

// GetByClientIntentID returns an intent by its caller-assigned key.
func (s *MemoryIntentStore) GetByClientIntentID(clientIntentID string) (*models.Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byClientKey[clientIntentID]
	if !ok {
		return nil, false
	}
	in, ok := s.byID[id]
	return in, ok
}

// All returns every stored intent.
func (s *MemoryIntentStore) All() []*models.Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Intent, 0, len(s.byID))
	for _, in := range s.byID {
		out = append(out, in)
	}
	return out
}
