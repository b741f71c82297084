// ABOUTME: bbolt implementation of the Store interface for single-file embedded deployments
// ABOUTME: Per-tenant buckets hold threads, assistants, head pointers, and per-thread checkpoint logs

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/2389/coven-state/internal/codec"
	"github.com/2389/coven-state/internal/keyspace"
)

// Bucket layout:
//
//	tenants/<tenant>/threads/<thread_id>            -> boltThread
//	tenants/<tenant>/assistants/<assistant_id>      -> boltAssistant
//	tenants/<tenant>/heads/<thread_id>              -> boltHead
//	tenants/<tenant>/checkpoints/<thread>/<seq be64> -> boltCheckpoint
//	public_assistants/<assistant_id>/<tenant>       -> empty, one key per publishing tenant
var (
	bucketTenants          = []byte("tenants")
	bucketPublicAssistants = []byte("public_assistants")
	bucketThreads          = []byte("threads")
	bucketAssistants       = []byte("assistants")
	bucketHeads            = []byte("heads")
	bucketCheckpoints      = []byte("checkpoints")
)

// BoltStore implements the Store interface on a bbolt database file.
// bbolt serializes write transactions, so the head compare-and-swap is a
// read and a write inside one Update.
type BoltStore struct {
	db       *bolt.DB
	pageSize int
	retry    retrier
	logger   *slog.Logger
}

type boltThread struct {
	Name        string         `json:"name"`
	AssistantID string         `json:"assistant_id"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type boltAssistant struct {
	Name      string         `json:"name"`
	Config    map[string]any `json:"config"`
	Public    bool           `json:"public"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type boltHead struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

// boltCheckpoint keeps the encoded payloads as opaque bytes so that a
// corrupt state surfaces from the codec rather than from this wrapper.
type boltCheckpoint struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id"`
	State     []byte `json:"state"`
	Next      []byte `json:"next"`
	Config    []byte `json:"config"`
	CreatedAt string `json:"created_at"`
}

// NewBoltStore opens (or creates) a bbolt database at opts.Path.
func NewBoltStore(opts Options) (*BoltStore, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "store", "driver", DriverBolt)

	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: opts.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTenants); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPublicAssistants)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	logger.Info("bbolt store initialized", "path", opts.Path)
	return &BoltStore{
		db:       db,
		pageSize: opts.PageSize,
		retry:    retrier{retries: opts.Retries, logger: logger},
		logger:   logger,
	}, nil
}

// Ping checks that the database file is still open.
func (b *BoltStore) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTenants) == nil {
			return errors.New("tenants bucket missing")
		}
		return nil
	})
}

// Close closes the database file.
func (b *BoltStore) Close() error {
	b.logger.Info("closing bbolt store")
	return b.db.Close()
}

func (b *BoltStore) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	return b.retry.do(ctx, op, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return b.db.Update(fn)
	})
}

func (b *BoltStore) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	return b.retry.do(ctx, op, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return b.db.View(fn)
	})
}

// tenantBucket returns the tenant's sub-bucket, or nil when the tenant has
// never written anything.
func tenantBucket(tx *bolt.Tx, tenant string) *bolt.Bucket {
	return tx.Bucket(bucketTenants).Bucket(keyspace.TenantBucket(tenant))
}

// ensureTenantBucket creates the tenant bucket and its children.
func ensureTenantBucket(tx *bolt.Tx, tenant string) (*bolt.Bucket, error) {
	tb, err := tx.Bucket(bucketTenants).CreateBucketIfNotExists(keyspace.TenantBucket(tenant))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{bucketThreads, bucketAssistants, bucketHeads, bucketCheckpoints} {
		if _, err := tb.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

func getJSON(bucket *bolt.Bucket, key []byte, v any) (bool, error) {
	if bucket == nil {
		return false, nil
	}
	data := bucket.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return bucket.Put(key, data)
}

func subBucket(tb *bolt.Bucket, name []byte) *bolt.Bucket {
	if tb == nil {
		return nil
	}
	return tb.Bucket(name)
}

// ThreadExists reports whether the tenant owns a thread with this id.
func (b *BoltStore) ThreadExists(ctx context.Context, key keyspace.ThreadKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	var exists bool
	err := b.view(ctx, "thread exists", func(tx *bolt.Tx) error {
		threads := subBucket(tenantBucket(tx, key.Tenant), bucketThreads)
		exists = threads != nil && threads.Get([]byte(key.ThreadID)) != nil
		return nil
	})
	return exists, err
}

// GetThread retrieves a thread by key.
func (b *BoltStore) GetThread(ctx context.Context, key keyspace.ThreadKey) (*Thread, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var rec boltThread
	var found bool
	err := b.view(ctx, "get thread", func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(subBucket(tenantBucket(tx, key.Tenant), bucketThreads), []byte(key.ThreadID), &rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return rec.thread(key), nil
}

func (r boltThread) thread(key keyspace.ThreadKey) *Thread {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Thread{
		TenantID:    key.Tenant,
		ID:          key.ThreadID,
		Name:        r.Name,
		AssistantID: r.AssistantID,
		Metadata:    metadata,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

// UpsertThread creates or updates the thread.
func (b *BoltStore) UpsertThread(ctx context.Context, thread *Thread) (bool, error) {
	key := thread.Key()
	if err := key.Validate(); err != nil {
		return false, err
	}

	var created bool
	err := b.update(ctx, "upsert thread", func(tx *bolt.Tx) error {
		tb, err := ensureTenantBucket(tx, key.Tenant)
		if err != nil {
			return err
		}
		threads := tb.Bucket(bucketThreads)

		ts := now()
		var rec boltThread
		found, err := getJSON(threads, []byte(key.ThreadID), &rec)
		if err != nil {
			return err
		}
		if !found {
			rec.CreatedAt = ts
		}
		created = !found
		rec.Name = thread.Name
		rec.AssistantID = thread.AssistantID
		rec.Metadata = thread.Metadata
		rec.UpdatedAt = ts
		return putJSON(threads, []byte(key.ThreadID), rec)
	})
	if err != nil {
		return false, err
	}

	b.logger.Debug("upserted thread", "thread", key.Namespace(), "created", created)
	return created, nil
}

// DeleteThread removes the thread, its head, and its checkpoint bucket in one transaction.
func (b *BoltStore) DeleteThread(ctx context.Context, key keyspace.ThreadKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := b.update(ctx, "delete thread", func(tx *bolt.Tx) error {
		tb := tenantBucket(tx, key.Tenant)
		if tb == nil {
			return nil
		}
		if err := tb.Bucket(bucketThreads).Delete([]byte(key.ThreadID)); err != nil {
			return err
		}
		return deleteCheckpointData(tb, key.ThreadID)
	})
	if err != nil {
		return err
	}
	b.logger.Debug("deleted thread", "thread", key.Namespace())
	return nil
}

func deleteCheckpointData(tb *bolt.Bucket, threadID string) error {
	if err := tb.Bucket(bucketHeads).Delete([]byte(threadID)); err != nil {
		return err
	}
	cps := tb.Bucket(bucketCheckpoints)
	if cps.Bucket(keyspace.ThreadBucket(threadID)) == nil {
		return nil
	}
	return cps.DeleteBucket(keyspace.ThreadBucket(threadID))
}

// ListThreads returns the tenant's threads ordered by most recent activity.
func (b *BoltStore) ListThreads(ctx context.Context, tenant string, limit int) ([]*Thread, error) {
	if err := keyspace.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	var threads []*Thread
	err := b.view(ctx, "list threads", func(tx *bolt.Tx) error {
		threads = threads[:0]
		bucket := subBucket(tenantBucket(tx, tenant), bucketThreads)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec boltThread
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding thread %s: %w", k, err)
			}
			threads = append(threads, rec.thread(keyspace.ThreadKey{Tenant: tenant, ThreadID: string(k)}))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(threads, func(i, j int) bool {
		if !threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		}
		return threads[i].ID < threads[j].ID
	})
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// GetAssistant resolves the tenant's own assistant, then a public one.
func (b *BoltStore) GetAssistant(ctx context.Context, key keyspace.AssistantKey) (*Assistant, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var assistant *Assistant
	err := b.view(ctx, "get assistant", func(tx *bolt.Tx) error {
		var err error
		assistant, err = lookupAssistant(tx, key.Tenant, key.AssistantID)
		if err != nil || assistant != nil {
			return err
		}
		return forEachPublic(tx, key.AssistantID, func(a *Assistant) {
			if assistant == nil || a.UpdatedAt.After(assistant.UpdatedAt) {
				assistant = a
			}
		})
	})
	if err != nil {
		return nil, err
	}
	if assistant == nil {
		return nil, ErrNotFound
	}
	return assistant, nil
}

// forEachPublic calls fn with every tenant's public copy of assistant id.
func forEachPublic(tx *bolt.Tx, id string, fn func(*Assistant)) error {
	owners := tx.Bucket(bucketPublicAssistants).Bucket([]byte(id))
	if owners == nil {
		return nil
	}
	return owners.ForEach(func(tenant, _ []byte) error {
		a, err := lookupAssistant(tx, string(tenant), id)
		if err != nil {
			return err
		}
		if a != nil && a.Public {
			fn(a)
		}
		return nil
	})
}

func lookupAssistant(tx *bolt.Tx, tenant, id string) (*Assistant, error) {
	var rec boltAssistant
	found, err := getJSON(subBucket(tenantBucket(tx, tenant), bucketAssistants), []byte(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.assistant(tenant, id), nil
}

func (r boltAssistant) assistant(tenant, id string) *Assistant {
	cfg := r.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return &Assistant{
		TenantID:  tenant,
		ID:        id,
		Name:      r.Name,
		Config:    cfg,
		Public:    r.Public,
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// PutAssistant creates or replaces an assistant and maintains the public index.
func (b *BoltStore) PutAssistant(ctx context.Context, assistant *Assistant) error {
	key := keyspace.AssistantKey{Tenant: assistant.TenantID, AssistantID: assistant.ID}
	if err := key.Validate(); err != nil {
		return err
	}

	err := b.update(ctx, "put assistant", func(tx *bolt.Tx) error {
		tb, err := ensureTenantBucket(tx, key.Tenant)
		if err != nil {
			return err
		}
		rec := boltAssistant{
			Name:      assistant.Name,
			Config:    assistant.Config,
			Public:    assistant.Public,
			UpdatedAt: now(),
		}
		if err := putJSON(tb.Bucket(bucketAssistants), []byte(key.AssistantID), rec); err != nil {
			return err
		}

		return indexPublic(tx, key, assistant.Public)
	})
	if err != nil {
		return err
	}
	b.logger.Debug("stored assistant", "assistant", key.Namespace(), "public", assistant.Public)
	return nil
}

// indexPublic adds or removes key.Tenant from the publishers of the
// assistant id. Other tenants publishing the same id are left in place.
func indexPublic(tx *bolt.Tx, key keyspace.AssistantKey, public bool) error {
	index := tx.Bucket(bucketPublicAssistants)
	id, tenant := []byte(key.AssistantID), []byte(key.Tenant)

	if public {
		owners, err := index.CreateBucketIfNotExists(id)
		if err != nil {
			return err
		}
		return owners.Put(tenant, []byte{})
	}

	owners := index.Bucket(id)
	if owners == nil {
		return nil
	}
	if err := owners.Delete(tenant); err != nil {
		return err
	}
	if k, _ := owners.Cursor().First(); k == nil {
		return index.DeleteBucket(id)
	}
	return nil
}

// ListAssistants returns the tenant's assistants plus other tenants' public ones.
func (b *BoltStore) ListAssistants(ctx context.Context, tenant string) ([]*Assistant, error) {
	if err := keyspace.ValidateTenant(tenant); err != nil {
		return nil, err
	}

	var assistants []*Assistant
	err := b.view(ctx, "list assistants", func(tx *bolt.Tx) error {
		assistants = assistants[:0]
		if own := subBucket(tenantBucket(tx, tenant), bucketAssistants); own != nil {
			err := own.ForEach(func(k, v []byte) error {
				var rec boltAssistant
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("decoding assistant %s: %w", k, err)
				}
				assistants = append(assistants, rec.assistant(tenant, string(k)))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return tx.Bucket(bucketPublicAssistants).ForEach(func(id, _ []byte) error {
			return forEachPublic(tx, string(id), func(a *Assistant) {
				if a.TenantID != tenant {
					assistants = append(assistants, a)
				}
			})
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(assistants, func(i, j int) bool {
		if !assistants[i].UpdatedAt.Equal(assistants[j].UpdatedAt) {
			return assistants[i].UpdatedAt.After(assistants[j].UpdatedAt)
		}
		return assistants[i].ID < assistants[j].ID
	})
	return assistants, nil
}

// Append stores cp as the new head of the thread.
func (b *BoltStore) Append(ctx context.Context, key keyspace.ThreadKey, cp *Checkpoint) (*Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rec, err := encodeCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	out := rec.checkpoint(cp)

	err = b.update(ctx, "append checkpoint", func(tx *bolt.Tx) error {
		tb := tenantBucket(tx, key.Tenant)
		threads := subBucket(tb, bucketThreads)
		var thread boltThread
		found, err := getJSON(threads, []byte(key.ThreadID), &thread)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}

		var head boltHead
		hasHead, err := getJSON(tb.Bucket(bucketHeads), []byte(key.ThreadID), &head)
		if err != nil {
			return err
		}
		switch {
		case !hasHead && out.ParentID != "":
			return ErrInvalidLineage
		case hasHead && head.ID != out.ParentID:
			return ErrInvalidLineage
		}

		seq := head.Seq + 1
		log, err := tb.Bucket(bucketCheckpoints).CreateBucketIfNotExists(keyspace.ThreadBucket(key.ThreadID))
		if err != nil {
			return err
		}
		if err := putJSON(log, keyspace.SeqKey(seq), boltCheckpoint{
			ID:        rec.id,
			ParentID:  rec.parentID,
			State:     rec.state,
			Next:      rec.next,
			Config:    rec.config,
			CreatedAt: rec.createdAt,
		}); err != nil {
			return err
		}
		if err := putJSON(tb.Bucket(bucketHeads), []byte(key.ThreadID), boltHead{ID: rec.id, Seq: seq}); err != nil {
			return err
		}

		thread.UpdatedAt = out.CreatedAt
		if err := putJSON(threads, []byte(key.ThreadID), thread); err != nil {
			return err
		}
		out.Seq = seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("appended checkpoint", "thread", key.Namespace(), "seq", out.Seq, "id", out.ID)
	return out, nil
}

// Latest returns the head checkpoint.
func (b *BoltStore) Latest(ctx context.Context, key keyspace.ThreadKey) (*Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var rec *checkpointRecord
	err := b.view(ctx, "latest checkpoint", func(tx *bolt.Tx) error {
		tb := tenantBucket(tx, key.Tenant)
		threads := subBucket(tb, bucketThreads)
		if threads == nil || threads.Get([]byte(key.ThreadID)) == nil {
			return ErrNotFound
		}
		var head boltHead
		hasHead, err := getJSON(tb.Bucket(bucketHeads), []byte(key.ThreadID), &head)
		if err != nil {
			return err
		}
		if !hasHead {
			return ErrNoCheckpoints
		}
		log := tb.Bucket(bucketCheckpoints).Bucket(keyspace.ThreadBucket(key.ThreadID))
		if log == nil {
			return fmt.Errorf("checkpoint log missing for head %s", head.ID)
		}
		rec, err = readBoltCheckpoint(head.Seq, log.Get(keyspace.SeqKey(head.Seq)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.decode()
}

func readBoltCheckpoint(seq int64, data []byte) (*checkpointRecord, error) {
	if data == nil {
		return nil, fmt.Errorf("checkpoint %d missing", seq)
	}
	var bc boltCheckpoint
	if err := json.Unmarshal(data, &bc); err != nil {
		return nil, &codec.Error{Op: "decode", Err: fmt.Errorf("checkpoint %d: %w", seq, err)}
	}
	return &checkpointRecord{
		seq:       seq,
		id:        bc.ID,
		parentID:  bc.ParentID,
		state:     bc.State,
		next:      bc.Next,
		config:    bc.Config,
		createdAt: bc.CreatedAt,
	}, nil
}

// History yields checkpoints oldest first, one read transaction per page.
func (b *BoltStore) History(ctx context.Context, key keyspace.ThreadKey) iter.Seq2[*Checkpoint, error] {
	return func(yield func(*Checkpoint, error) bool) {
		if err := key.Validate(); err != nil {
			yield(nil, err)
			return
		}

		var headSeq int64
		err := b.view(ctx, "history head", func(tx *bolt.Tx) error {
			tb := tenantBucket(tx, key.Tenant)
			threads := subBucket(tb, bucketThreads)
			if threads == nil || threads.Get([]byte(key.ThreadID)) == nil {
				return ErrNotFound
			}
			var head boltHead
			if _, err := getJSON(tb.Bucket(bucketHeads), []byte(key.ThreadID), &head); err != nil {
				return err
			}
			headSeq = head.Seq
			return nil
		})
		if err != nil {
			yield(nil, err)
			return
		}

		walk := lineageWalk{headSeq: headSeq}
		for !walk.done() {
			page, err := b.historyPage(ctx, key, walk.lastSeq, headSeq)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				yield(nil, ErrHistoryChanged)
				return
			}
			for _, rec := range page {
				if err := walk.step(rec.seq, rec.parentID, rec.id); err != nil {
					yield(nil, err)
					return
				}
				cp, err := rec.decode()
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(cp, nil) {
					return
				}
			}
		}
	}
}

func (b *BoltStore) historyPage(ctx context.Context, key keyspace.ThreadKey, afterSeq, maxSeq int64) ([]*checkpointRecord, error) {
	var page []*checkpointRecord
	err := b.view(ctx, "history page", func(tx *bolt.Tx) error {
		page = page[:0]
		log := subBucket(subBucket(tenantBucket(tx, key.Tenant), bucketCheckpoints), keyspace.ThreadBucket(key.ThreadID))
		if log == nil {
			return nil
		}
		c := log.Cursor()
		maxKey := keyspace.SeqKey(maxSeq)
		for k, v := c.Seek(keyspace.SeqKey(afterSeq + 1)); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			seq, err := keyspace.ParseSeqKey(k)
			if err != nil {
				return err
			}
			rec, err := readBoltCheckpoint(seq, v)
			if err != nil {
				return err
			}
			page = append(page, rec)
			if len(page) >= b.pageSize {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// DeleteCheckpoints purges the thread's checkpoint log and head.
func (b *BoltStore) DeleteCheckpoints(ctx context.Context, key keyspace.ThreadKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return b.update(ctx, "delete checkpoints", func(tx *bolt.Tx) error {
		tb := tenantBucket(tx, key.Tenant)
		if tb == nil {
			return nil
		}
		return deleteCheckpointData(tb, key.ThreadID)
	})
}
