package order

import (
	"sort"
	"time"

	"tradeconn/pkg/exception"
)

// Table is the registry of tracked orders keyed by client order id.
// It is not safe for concurrent use; the connector's event loop owns it.
type Table struct {
	records    map[string]*Record
	byExchange map[string]string
}

func NewTable() *Table {
	return &Table{
		records:    make(map[string]*Record),
		byExchange: make(map[string]string),
	}
}

// Register adds a record. It fails when the client order id is already tracked.
func (t *Table) Register(r *Record) error {
	if r == nil || r.ClientOrderID == "" {
		return exception.ErrOrderInvalidRequest
	}
	if _, ok := t.records[r.ClientOrderID]; ok {
		return exception.ErrOrderDuplicate
	}
	t.records[r.ClientOrderID] = r
	if r.ExchangeOrderID != "" {
		t.byExchange[r.ExchangeOrderID] = r.ClientOrderID
	}
	return nil
}

func (t *Table) Get(clientOrderID string) (*Record, bool) {
	r, ok := t.records[clientOrderID]
	return r, ok
}

func (t *Table) ByExchangeID(exchangeOrderID string) (*Record, bool) {
	id, ok := t.byExchange[exchangeOrderID]
	if !ok {
		return nil, false
	}
	return t.Get(id)
}

// Lookup resolves a record by client id first, then by exchange id.
func (t *Table) Lookup(clientOrderID, exchangeOrderID string) (*Record, bool) {
	if clientOrderID != "" {
		if r, ok := t.records[clientOrderID]; ok {
			return r, true
		}
	}
	if exchangeOrderID != "" {
		return t.ByExchangeID(exchangeOrderID)
	}
	return nil, false
}

// BindExchangeID sets the venue id on a tracked record and indexes it.
func (t *Table) BindExchangeID(clientOrderID, exchangeOrderID string) (bool, error) {
	r, ok := t.records[clientOrderID]
	if !ok {
		return false, exception.ErrOrderUnknown
	}
	changed, err := r.SetExchangeOrderID(exchangeOrderID)
	if err != nil {
		return false, err
	}
	t.byExchange[exchangeOrderID] = clientOrderID
	return changed, nil
}

// Remove is idempotent.
func (t *Table) Remove(clientOrderID string) {
	r, ok := t.records[clientOrderID]
	if !ok {
		return
	}
	if r.ExchangeOrderID != "" {
		delete(t.byExchange, r.ExchangeOrderID)
	}
	delete(t.records, clientOrderID)
}

func (t *Table) Len() int {
	return len(t.records)
}

// All returns tracked records ordered by creation time.
func (t *Table) All() []*Record {
	out := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns the non-terminal records ordered by creation time.
func (t *Table) Active() []*Record {
	all := t.All()
	out := all[:0]
	for _, r := range all {
		if !r.IsTerminal() {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot returns a detached copy of every tracked record.
func (t *Table) Snapshot(now time.Time) Snapshot {
	all := t.All()
	entries := make([]Entry, 0, len(all))
	for _, r := range all {
		entries = append(entries, r.Entry())
	}
	return Snapshot{
		Timestamp: now.UTC().UnixNano(),
		Orders:    entries,
	}
}

// Restore registers records rebuilt from a snapshot. Already tracked ids are skipped.
func (t *Table) Restore(snap Snapshot) (int, error) {
	restored := 0
	for _, e := range snap.Orders {
		if _, ok := t.records[e.ClientOrderID]; ok {
			continue
		}
		r, err := RecordFromEntry(e)
		if err != nil {
			return restored, err
		}
		if err := t.Register(r); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}
