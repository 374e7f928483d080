package watchlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/models"
	"nyyu-stream/internal/services/subscription"
)

// Subscriber is the part of the stream service the watchlist drives.
type Subscriber interface {
	AddConsumer(symbol string, interval time.Duration, c subscription.Consumer) (subscription.Handle, error)
	Unsubscribe(h subscription.Handle) bool
}

// Manager keeps a fixed set of server-side consumers (relay, recorder)
// subscribed to every watchlist key, and follows edits to the watchlist file.
type Manager struct {
	subscriber Subscriber
	consumers  []subscription.Consumer
	logger     *logrus.Logger

	filePath         string
	defaultSymbols   []string
	defaultIntervals []string

	mu      sync.Mutex
	handles map[models.StreamKey][]subscription.Handle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(
	subscriber Subscriber,
	consumers []subscription.Consumer,
	filePath string,
	defaultSymbols, defaultIntervals []string,
	logger *logrus.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		subscriber:       subscriber,
		consumers:        consumers,
		logger:           logger,
		filePath:         filePath,
		defaultSymbols:   defaultSymbols,
		defaultIntervals: defaultIntervals,
		handles:          make(map[models.StreamKey][]subscription.Handle),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start subscribes the current watchlist and, when refresh is positive,
// re-reads the file on that period.
func (m *Manager) Start(refresh time.Duration) error {
	if _, _, err := m.Reload(); err != nil {
		return err
	}
	if refresh > 0 {
		m.wg.Add(1)
		go m.periodicRefresh(refresh)
	}
	return nil
}

// Stop ends the refresh loop and releases every watchlist subscription.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.Apply(Entry{})
}

// Reload reads the watchlist file, falling back to the configured defaults
// when it is missing or invalid, and applies it.
func (m *Manager) Reload() (added, removed int, err error) {
	entry, err := LoadFromYAML(m.filePath, m.defaultIntervals)
	if err != nil {
		m.logger.WithError(err).WithField("file", m.filePath).Debug("Using default watchlist")
		entry, err = Resolve(m.defaultSymbols, m.defaultIntervals)
		if err != nil {
			return 0, 0, err
		}
	}
	added, removed = m.Apply(entry)
	return added, removed, nil
}

// Apply diffs entry against the current subscriptions: new keys are added,
// keys no longer listed are released.
func (m *Manager) Apply(entry Entry) (added, removed int) {
	want := make(map[models.StreamKey]bool)
	for _, s := range entry.Symbols {
		for _, iv := range entry.Intervals {
			want[models.StreamKey{Symbol: s, Interval: iv}] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, hs := range m.handles {
		if want[key] {
			continue
		}
		for _, h := range hs {
			m.subscriber.Unsubscribe(h)
		}
		delete(m.handles, key)
		removed++
	}

	for _, key := range sortedKeys(want) {
		if _, ok := m.handles[key]; ok {
			continue
		}
		hs := make([]subscription.Handle, 0, len(m.consumers))
		for _, c := range m.consumers {
			h, err := m.subscriber.AddConsumer(key.Symbol, key.Interval, c)
			if err != nil {
				m.logger.WithError(err).WithField("key", key.String()).Warn("Failed to subscribe watchlist key")
				continue
			}
			hs = append(hs, h)
		}
		m.handles[key] = hs
		added++
	}

	if added > 0 || removed > 0 {
		m.logger.WithFields(logrus.Fields{
			"added":   added,
			"removed": removed,
			"total":   len(m.handles),
		}).Info("Watchlist updated")
	}
	return added, removed
}

// Keys returns the watched keys, sorted.
func (m *Manager) Keys() []models.StreamKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[models.StreamKey]bool, len(m.handles))
	for k := range m.handles {
		want[k] = true
	}
	return sortedKeys(want)
}

func (m *Manager) periodicRefresh(every time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.Reload(); err != nil {
				m.logger.WithError(err).Warn("Watchlist refresh failed")
			}
		}
	}
}

func sortedKeys(set map[models.StreamKey]bool) []models.StreamKey {
	keys := make([]models.StreamKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Interval < keys[j].Interval
	})
	return keys
}
