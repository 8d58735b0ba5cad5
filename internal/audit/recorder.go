// Package audit persists an append-only trail of every order safety
// decision. Writes are batched so a busy gate does not serialize on
// sqlite; Flush drains the buffer and is called on shutdown before the
// database closes.
package audit

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"broker-core/internal/events"
	"broker-core/pkg/db"
)

// Recorder buffers audit rows and writes them in transactions.
type Recorder struct {
	sqldb *sql.DB
	bus   *events.Bus

	mu     sync.Mutex
	buffer []db.AuditRecord

	maxSize  int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	written uint64
	errors  uint64
}

// NewRecorder starts the background flusher. maxSize bounds the buffer
// before a forced flush; interval bounds how stale a buffered row can
// get.
func NewRecorder(database *db.Database, bus *events.Bus, maxSize int, interval time.Duration) *Recorder {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	r := &Recorder{
		sqldb:    database.DB,
		bus:      bus,
		buffer:   make([]db.AuditRecord, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.backgroundFlush()
	return r
}

// Record appends one audit row. detail is marshaled to JSON; a detail
// that cannot marshal is recorded as an empty object rather than lost.
func (r *Recorder) Record(accountID, event, orderID, outcome string, detail any) {
	detailJSON := "{}"
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = string(b)
		}
	}
	rec := db.AuditRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Event:     event,
		OrderID:   orderID,
		Detail:    detailJSON,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
	if r.bus != nil {
		r.bus.Publish(events.EventAudit, rec)
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, rec)
	full := len(r.buffer) >= r.maxSize
	r.mu.Unlock()

	if full {
		if err := r.Flush(); err != nil {
			log.Printf("audit: flush on full buffer: %v", err)
		}
	}
}

// Flush writes all buffered rows in one transaction.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.buffer
	r.buffer = make([]db.AuditRecord, 0, r.maxSize)
	r.mu.Unlock()

	tx, err := r.sqldb.Begin()
	if err != nil {
		atomic.AddUint64(&r.errors, 1)
		return err
	}
	for _, rec := range batch {
		_, err := tx.Exec(`
			INSERT INTO audit_records (id, account_id, event, order_id, detail, outcome, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.AccountID, rec.Event, rec.OrderID, rec.Detail, rec.Outcome, rec.CreatedAt)
		if err != nil {
			tx.Rollback()
			atomic.AddUint64(&r.errors, 1)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&r.errors, 1)
		return err
	}
	atomic.AddUint64(&r.written, uint64(len(batch)))
	return nil
}

func (r *Recorder) backgroundFlush() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				log.Printf("audit: background flush: %v", err)
			}
		case <-r.done:
			if err := r.Flush(); err != nil {
				log.Printf("audit: final flush: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of rows not yet persisted.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Written returns the total rows persisted so far.
func (r *Recorder) Written() uint64 { return atomic.LoadUint64(&r.written) }

// Close performs a final flush and stops the background flusher.
func (r *Recorder) Close() error {
	close(r.done)
	r.wg.Wait()
	return nil
}
