// Package badger provides a Badger-based implementation of every conductor repository.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/schedule"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/template"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	// InMemory keeps everything in memory and ignores Path.
	InMemory bool
}

// BadgerStorage implements the conductor repositories on Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage opens (or creates) the database described by config.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return &BadgerStorage{db: db, config: config}, nil
}

// Key generation functions
func templateKey(id string) []byte {
	return []byte("template:" + id)
}

func requestKey(id string) []byte {
	return []byte("request:" + id)
}

func requestIndexBatchPrefix(batchID string) []byte {
	return []byte(fmt.Sprintf("index:request:batch:%s:", batchID))
}

func batchKey(id string) []byte {
	return []byte("batch:" + id)
}

func batchIndexStatusPrefix(status batch.Status) []byte {
	return []byte(fmt.Sprintf("index:batch:status:%s:", status))
}

func scheduleKey(id string) []byte {
	return []byte("schedule:" + id)
}

func executionPrefix(jobID string) []byte {
	return []byte(fmt.Sprintf("execution:%s:", jobID))
}

func executionKey(jobID, executionID string) []byte {
	return append(executionPrefix(jobID), executionID...)
}

// Serialization helpers
func serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var (
		nf  *storage.NotFoundError
		dk  *storage.DuplicateKeyError
		ser *storage.SerializationError
	)
	if errors.As(err, &nf) || errors.As(err, &dk) || errors.As(err, &ser) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}

func (b *BadgerStorage) put(key []byte, v any) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return unavailable(b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}))
}

func getInTxn(txn *badger.Txn, key []byte, v any, entity, id string) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &storage.NotFoundError{EntityType: entity, ID: id}
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return deserialize(val, v)
	})
}

func (b *BadgerStorage) get(key []byte, v any, entity, id string) error {
	return unavailable(b.db.View(func(txn *badger.Txn) error {
		return getInTxn(txn, key, v, entity, id)
	}))
}

// scan calls fn with the raw value of every key under prefix.
func scanInTxn(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}

// SaveTemplate saves a template.
func (b *BadgerStorage) SaveTemplate(ctx context.Context, t *template.ExecutionTemplate) error {
	return b.put(templateKey(t.ID), t)
}

// GetTemplate retrieves a template by ID.
func (b *BadgerStorage) GetTemplate(ctx context.Context, id string) (*template.ExecutionTemplate, error) {
	var t template.ExecutionTemplate
	if err := b.get(templateKey(id), &t, "template", id); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates lists templates matching filter, ordered by ID.
func (b *BadgerStorage) ListTemplates(ctx context.Context, filter template.Filter) ([]*template.ExecutionTemplate, error) {
	var out []*template.ExecutionTemplate
	err := b.db.View(func(txn *badger.Txn) error {
		return scanInTxn(txn, []byte("template:"), func(_, val []byte) error {
			var t template.ExecutionTemplate
			if err := deserialize(val, &t); err != nil {
				return err
			}
			if filter.Matches(&t) {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRequest saves a request and indexes it by batch.
func (b *BadgerStorage) SaveRequest(ctx context.Context, r *request.Request) error {
	data, err := serialize(r)
	if err != nil {
		return err
	}
	return unavailable(b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(requestKey(r.ID), data); err != nil {
			return err
		}
		if r.Metadata.BatchID != "" {
			return txn.Set(append(requestIndexBatchPrefix(r.Metadata.BatchID), r.ID...), []byte{})
		}
		return nil
	}))
}

// GetRequest retrieves a request by ID.
func (b *BadgerStorage) GetRequest(ctx context.Context, id string) (*request.Request, error) {
	var r request.Request
	if err := b.get(requestKey(id), &r, "request", id); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRequests lists requests matching filter, oldest first. A batch filter
// is served from the batch index.
func (b *BadgerStorage) ListRequests(ctx context.Context, filter request.Filter) ([]*request.Request, error) {
	var out []*request.Request
	collect := func(val []byte) error {
		var r request.Request
		if err := deserialize(val, &r); err != nil {
			return err
		}
		if filter.Matches(&r) {
			out = append(out, &r)
		}
		return nil
	}

	err := b.db.View(func(txn *badger.Txn) error {
		if filter.BatchID == "" {
			return scanInTxn(txn, []byte("request:"), func(_, val []byte) error { return collect(val) })
		}
		prefix := requestIndexBatchPrefix(filter.BatchID)
		return scanInTxn(txn, prefix, func(key, _ []byte) error {
			id := string(key[len(prefix):])
			item, err := txn.Get(requestKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return item.Value(collect)
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveBatch saves a batch and moves its status index entry.
func (b *BadgerStorage) SaveBatch(ctx context.Context, j *batch.BatchJob) error {
	data, err := serialize(j)
	if err != nil {
		return err
	}
	return unavailable(b.db.Update(func(txn *badger.Txn) error {
		var prev batch.BatchJob
		switch err := getInTxn(txn, batchKey(j.ID), &prev, "batch", j.ID); {
		case err == nil && prev.Status != j.Status:
			if err := txn.Delete(append(batchIndexStatusPrefix(prev.Status), j.ID...)); err != nil {
				return err
			}
		case err != nil && !storage.IsNotFound(err):
			return err
		}
		if err := txn.Set(batchKey(j.ID), data); err != nil {
			return err
		}
		return txn.Set(append(batchIndexStatusPrefix(j.Status), j.ID...), []byte{})
	}))
}

// GetBatch retrieves a batch by ID.
func (b *BadgerStorage) GetBatch(ctx context.Context, id string) (*batch.BatchJob, error) {
	var j batch.BatchJob
	if err := b.get(batchKey(id), &j, "batch", id); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListBatches lists batches matching filter, oldest first. A status filter is
// served from the status index.
func (b *BadgerStorage) ListBatches(ctx context.Context, filter batch.Filter) ([]*batch.BatchJob, error) {
	var out []*batch.BatchJob
	collect := func(val []byte) error {
		var j batch.BatchJob
		if err := deserialize(val, &j); err != nil {
			return err
		}
		if filter.Matches(&j) {
			out = append(out, &j)
		}
		return nil
	}

	err := b.db.View(func(txn *badger.Txn) error {
		if filter.Status == "" {
			return scanInTxn(txn, []byte("batch:"), func(_, val []byte) error { return collect(val) })
		}
		prefix := batchIndexStatusPrefix(filter.Status)
		return scanInTxn(txn, prefix, func(key, _ []byte) error {
			id := string(key[len(prefix):])
			item, err := txn.Get(batchKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return item.Value(collect)
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

// SaveSchedule saves a schedule. The derived next fire time is not stored.
func (b *BadgerStorage) SaveSchedule(ctx context.Context, d *schedule.Descriptor) error {
	c := d.Clone()
	c.NextFireAt = nil
	return b.put(scheduleKey(d.ID), c)
}

// GetSchedule retrieves a schedule by ID.
func (b *BadgerStorage) GetSchedule(ctx context.Context, id string) (*schedule.Descriptor, error) {
	var d schedule.Descriptor
	if err := b.get(scheduleKey(id), &d, "schedule", id); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListSchedules lists every schedule ordered by ID.
func (b *BadgerStorage) ListSchedules(ctx context.Context) ([]*schedule.Descriptor, error) {
	var out []*schedule.Descriptor
	err := b.db.View(func(txn *badger.Txn) error {
		return scanInTxn(txn, []byte("schedule:"), func(_, val []byte) error {
			var d schedule.Descriptor
			if err := deserialize(val, &d); err != nil {
				return err
			}
			out = append(out, &d)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSchedule removes a schedule.
func (b *BadgerStorage) DeleteSchedule(ctx context.Context, id string) error {
	return unavailable(b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(scheduleKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "schedule", ID: id}
			}
			return err
		}
		return txn.Delete(scheduleKey(id))
	}))
}

// AppendExecution stores a new execution record, rejecting duplicates.
func (b *BadgerStorage) AppendExecution(ctx context.Context, s *schedule.JobStatistics) error {
	data, err := serialize(s)
	if err != nil {
		return err
	}
	key := executionKey(s.JobID, s.ExecutionID)
	return unavailable(b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return &storage.DuplicateKeyError{EntityType: "execution", ID: s.JobID + "/" + s.ExecutionID}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	}))
}

// SaveExecution overwrites an existing execution record.
func (b *BadgerStorage) SaveExecution(ctx context.Context, s *schedule.JobStatistics) error {
	data, err := serialize(s)
	if err != nil {
		return err
	}
	key := executionKey(s.JobID, s.ExecutionID)
	return unavailable(b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "execution", ID: s.JobID + "/" + s.ExecutionID}
			}
			return err
		}
		return txn.Set(key, data)
	}))
}

// GetExecution retrieves one execution record.
func (b *BadgerStorage) GetExecution(ctx context.Context, jobID, executionID string) (*schedule.JobStatistics, error) {
	var s schedule.JobStatistics
	if err := b.get(executionKey(jobID, executionID), &s, "execution", jobID+"/"+executionID); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListExecutions lists a job's executions ordered by start time.
func (b *BadgerStorage) ListExecutions(ctx context.Context, jobID string) ([]*schedule.JobStatistics, error) {
	return b.listExecutions(executionPrefix(jobID), func(s *schedule.JobStatistics) bool { return s.JobID == jobID })
}

// ListAllExecutions lists every execution record ordered by start time.
func (b *BadgerStorage) ListAllExecutions(ctx context.Context) ([]*schedule.JobStatistics, error) {
	return b.listExecutions([]byte("execution:"), func(*schedule.JobStatistics) bool { return true })
}

func (b *BadgerStorage) listExecutions(prefix []byte, keep func(*schedule.JobStatistics) bool) ([]*schedule.JobStatistics, error) {
	out := make([]*schedule.JobStatistics, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		return scanInTxn(txn, prefix, func(_, val []byte) error {
			var s schedule.JobStatistics
			if err := deserialize(val, &s); err != nil {
				return err
			}
			// Job ids sharing a prefix with jobID land under the same key prefix.
			if keep(&s) {
				out = append(out, &s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	schedule.SortByStart(out)
	return out, nil
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	if !b.config.InMemory {
		// Value log GC is best effort; ErrNoRewrite just means nothing to collect.
		_ = b.db.RunValueLogGC(0.5)
	}
	return b.db.Close()
}
