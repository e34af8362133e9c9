package reconcile

import "tradeconn/internal/order"

// recentEntry keeps a finished record around so late reports can still be recognised.
type recentEntry struct {
	rec  *order.Record
	late map[string]struct{}
}

// recentRecords is a FIFO bounded cache of finished records.
type recentRecords struct {
	capacity   int
	order      []string
	byClient   map[string]*recentEntry
	byExchange map[string]string
}

func newRecentRecords(capacity int) *recentRecords {
	if capacity <= 0 {
		capacity = 1
	}
	return &recentRecords{
		capacity:   capacity,
		byClient:   make(map[string]*recentEntry),
		byExchange: make(map[string]string),
	}
}

func (c *recentRecords) add(r *order.Record) {
	if _, ok := c.byClient[r.ClientOrderID]; ok {
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		if e, ok := c.byClient[oldest]; ok {
			delete(c.byExchange, e.rec.ExchangeOrderID)
			delete(c.byClient, oldest)
		}
	}
	c.order = append(c.order, r.ClientOrderID)
	c.byClient[r.ClientOrderID] = &recentEntry{rec: r}
	if r.ExchangeOrderID != "" {
		c.byExchange[r.ExchangeOrderID] = r.ClientOrderID
	}
}

func (c *recentRecords) lookup(clientOrderID, exchangeOrderID string) (*recentEntry, bool) {
	if e, ok := c.byClient[clientOrderID]; ok && clientOrderID != "" {
		return e, true
	}
	if id, ok := c.byExchange[exchangeOrderID]; ok && exchangeOrderID != "" {
		e, ok := c.byClient[id]
		return e, ok
	}
	return nil, false
}

// markLate records a trade id reported after the record finished. It returns false for repeats.
func (e *recentEntry) markLate(tradeID string) bool {
	if e.rec.HasTrade(tradeID) {
		return false
	}
	if _, ok := e.late[tradeID]; ok {
		return false
	}
	if e.late == nil {
		e.late = make(map[string]struct{})
	}
	e.late[tradeID] = struct{}{}
	return true
}
