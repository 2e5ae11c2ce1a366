package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/openquant/dcaengine/internal/domain"
)

const (
	processedEventKeyPrefix = "trade_event_"
	walSegmentThreshold     = 1000
	walMaxSegments          = 100
	walDirPermissions       = 0o755
)

type processedEventRecord struct {
	OrderID     string    `json:"order_id"`
	Event       string    `json:"event"`
	ProcessedAt time.Time `json:"processed_at"`
}

// EventJournal is the durable record of trade events the runtime has already
// applied. Duplicate deliveries of the same (order id, event) pair — within
// a session or across a restart — become no-ops.
type EventJournal struct {
	wal *gowal.Wal

	mu   sync.Mutex
	seen map[string]bool
}

// OpenEventJournal loads the WAL at dir and rebuilds the processed set.
func OpenEventJournal(dir string) (*EventJournal, error) {
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event journal WAL")
	}

	seen := make(map[string]bool)
	for msg := range wal.Iterator() {
		if strings.HasPrefix(msg.Key, processedEventKeyPrefix) {
			seen[msg.Key] = true
		}
	}

	return &EventJournal{wal: wal, seen: seen}, nil
}

// Seen reports whether the (order id, event) pair was already applied.
func (j *EventJournal) Seen(orderID string, kind domain.TradeEventKind) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seen[eventKey(orderID, kind)]
}

// MarkProcessed durably records the pair before it is reported as seen.
func (j *EventJournal) MarkProcessed(orderID string, kind domain.TradeEventKind) error {
	record := processedEventRecord{
		OrderID:     orderID,
		Event:       string(kind),
		ProcessedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal processed event record")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	key := eventKey(orderID, kind)
	if j.seen[key] {
		return nil
	}
	if err := j.wal.Write(j.wal.CurrentIndex()+1, key, data); err != nil {
		return errors.Wrap(err, "failed to persist processed event")
	}
	j.seen[key] = true
	return nil
}

// Close releases the WAL.
func (j *EventJournal) Close() error {
	return j.wal.Close()
}

func eventKey(orderID string, kind domain.TradeEventKind) string {
	return fmt.Sprintf("%s%s_%s", processedEventKeyPrefix, orderID, kind)
}
