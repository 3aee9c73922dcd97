package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used when no database is configured, and in
// tests. State does not survive a restart; watermarks reset to empty, which
// the detector tolerates by re-emitting and the signal table deduplicating.
type Memory struct {
	mu         sync.RWMutex
	signals    map[string]SignalRecord // key: wallet + "|" + signalID
	orders     []OrderRecord
	watermarks map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		signals:    make(map[string]SignalRecord),
		watermarks: make(map[string]time.Time),
	}
}

func (m *Memory) SaveSignal(_ context.Context, rec SignalRecord) (bool, error) {
	key := rec.Wallet + "|" + rec.SignalID

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.signals[key]; exists {
		return false, nil
	}
	m.signals[key] = rec
	return true, nil
}

func (m *Memory) ListSignalsSince(_ context.Context, wallet string, since time.Time) ([]SignalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SignalRecord
	for _, rec := range m.signals {
		if rec.DetectedAt.Before(since) {
			continue
		}
		if wallet != "" && rec.Wallet != wallet {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

func (m *Memory) SaveOrderResult(_ context.Context, rec OrderRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, rec)
	return nil
}

func (m *Memory) ListOrderResults(_ context.Context, strategyID string, since time.Time) ([]OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []OrderRecord
	for _, rec := range m.orders {
		if rec.StrategyID != strategyID || rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) HasOrderResult(_ context.Context, strategyID, signalID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.orders {
		if rec.StrategyID == strategyID && rec.SignalID == signalID {
			return true, nil
		}
	}
	return false, nil
}

// Orders returns a copy of all recorded order results, insertion order.
func (m *Memory) Orders() []OrderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OrderRecord, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *Memory) Watermark(_ context.Context, strategyID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.watermarks[strategyID]
	return ts, ok, nil
}

func (m *Memory) SetWatermark(_ context.Context, strategyID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[strategyID] = ts
	return nil
}

func (m *Memory) Close() {}
