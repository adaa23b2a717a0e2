package wallet

import (
	"sync"
	"time"
)

type BalanceUpdate struct {
	UserID        string          `json:"userId"`
	Balance       int64           `json:"balance"`
	Delta         int64           `json:"delta"`
	TransactionID string          `json:"transactionId"`
	Type          TransactionType `json:"type"`
	At            time.Time       `json:"at"`
}

// NotificationHub fans balance updates out to per-user subscribers. A slow
// subscriber misses updates rather than blocking the ledger path.
type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan BalanceUpdate]struct{}
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string]map[chan BalanceUpdate]struct{}),
	}
}

// Subscribe returns a channel of updates for userID and a cancel func that
// unsubscribes and closes it.
func (h *NotificationHub) Subscribe(userID string) (<-chan BalanceUpdate, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan BalanceUpdate, 16)
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[chan BalanceUpdate]struct{})
	}
	h.subscribers[userID][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subscribers[userID], ch)
			if len(h.subscribers[userID]) == 0 {
				delete(h.subscribers, userID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (h *NotificationHub) Notify(update BalanceUpdate) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[update.UserID] {
		select {
		case ch <- update:
		default:
		}
	}
}
