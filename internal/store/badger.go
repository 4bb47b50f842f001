package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/logger"
)

// Key layout. The record document lives under rec:<id>; every read shape has
// its own index prefix so queries are prefix scans, never full scans.
//
//	rec:<id>                                   -> record JSON
//	idx:actor:<actor>:<revTS>:<id>             -> id   (actorId, occurredAt desc)
//	idx:kind:<kind>:<revTS>:<id>               -> id   (activityKind, occurredAt desc)
//	idx:status:<status>:<revTS>:<id>           -> id   (status, occurredAt desc)
//	idx:target:<type>:<tid>:<revTS>:<id>       -> id   (target entity, occurredAt desc)
//	idx:time:<revTS>:<id>                      -> id   (occurredAt desc, stats/export)
//	idx:flag:<revTS>:<id>                      -> id   (security.flagged, occurredAt desc)
//	idx:risk:<invScore>:<revTS>:<id>           -> id   (riskScore desc, occurredAt desc)
//	idx:exp:<unixTS>:<id>                      -> id   (retention.expiresAt, ascending)
//
// revTS is (maxInt64 - occurredAt.UnixNano()) zero-padded, so lexicographic
// prefix iteration yields newest-first.
const (
	recPrefix    = "rec:"
	actorPrefix  = "idx:actor:"
	kindPrefix   = "idx:kind:"
	statusPrefix = "idx:status:"
	targetPrefix = "idx:target:"
	timePrefix   = "idx:time:"
	flagPrefix   = "idx:flag:"
	riskPrefix   = "idx:risk:"
	expPrefix    = "idx:exp:"
)

const txnRetries = 5

// BadgerStore is the production RecordStore backed by BadgerDB.
type BadgerStore struct {
	db   *badger.DB
	log  logger.Logger
	stop chan struct{}
}

// NewBadgerStore opens (or creates) the store under dataDir.
func NewBadgerStore(dataDir string, syncWrites bool, log logger.Logger) (*BadgerStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := badger.DefaultOptions(dataDir)
	opts.SyncWrites = syncWrites
	opts.Logger = nil
	opts.ValueLogFileSize = 64 << 20
	opts.MemTableSize = 64 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	s := &BadgerStore{db: db, log: log, stop: make(chan struct{})}
	go s.runGarbageCollection()

	log.Info("Record store initialized",
		logger.String("data_dir", dataDir),
		logger.Bool("sync_writes", syncWrites))
	return s, nil
}

func (s *BadgerStore) runGarbageCollection() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("Record store garbage collection failed", logger.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

func revTS(t time.Time) string {
	return fmt.Sprintf("%020d", uint64(math.MaxInt64-t.UnixNano()))
}

func recKey(id string) []byte {
	return []byte(recPrefix + id)
}

func indexKeys(rec *activity.Record) [][]byte {
	rev := revTS(rec.Request.OccurredAt)
	keys := [][]byte{
		[]byte(actorPrefix + rec.ActorID + ":" + rev + ":" + rec.ID),
		[]byte(kindPrefix + string(rec.Kind) + ":" + rev + ":" + rec.ID),
		[]byte(statusPrefix + string(rec.Status) + ":" + rev + ":" + rec.ID),
		[]byte(timePrefix + rev + ":" + rec.ID),
	}
	if rec.Target != nil && rec.Target.EntityID != "" {
		keys = append(keys, []byte(targetPrefix+rec.Target.EntityType+":"+rec.Target.EntityID+":"+rev+":"+rec.ID))
	}
	if rec.Security.Flagged {
		keys = append(keys, []byte(flagPrefix+rev+":"+rec.ID))
	}
	if rec.Security.RiskScore > 0 {
		keys = append(keys, riskKey(rec, rev))
	}
	if !rec.Retention.Permanent {
		keys = append(keys, expKey(rec))
	}
	return keys
}

func riskKey(rec *activity.Record, rev string) []byte {
	// Inverted score so prefix iteration is riskScore-descending.
	return []byte(fmt.Sprintf("%s%03d:%s:%s", riskPrefix, 100-rec.Security.RiskScore, rev, rec.ID))
}

func expKey(rec *activity.Record) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", expPrefix, rec.Retention.ExpiresAt.Unix(), rec.ID))
}

// mutate loads a record, applies fn, and rewrites the document plus any index
// entries that changed, all inside one transaction. Badger transactions are
// serializable per key, which is what makes the security merge monotonic
// under concurrent scorer passes.
func (s *BadgerStore) mutate(id string, fn func(rec *activity.Record) error) error {
	var lastErr error
	for attempt := 0; attempt < txnRetries; attempt++ {
		lastErr = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(recKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var rec activity.Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			before := rec
			oldKeys := indexKeys(&before)

			if err := fn(&rec); err != nil {
				return err
			}

			newKeys := indexKeys(&rec)
			for _, key := range diffKeys(oldKeys, newKeys) {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			for _, key := range diffKeys(newKeys, oldKeys) {
				if err := txn.Set(key, []byte(rec.ID)); err != nil {
					return err
				}
			}

			payload, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			return txn.Set(recKey(id), payload)
		})
		if !errors.Is(lastErr, badger.ErrConflict) {
			return lastErr
		}
	}
	return lastErr
}

// diffKeys returns the keys in a that are not in b.
func diffKeys(a, b [][]byte) [][]byte {
	present := make(map[string]struct{}, len(b))
	for _, key := range b {
		present[string(key)] = struct{}{}
	}
	var out [][]byte
	for _, key := range a {
		if _, ok := present[string(key)]; !ok {
			out = append(out, key)
		}
	}
	return out
}

func (s *BadgerStore) CreateRecord(_ context.Context, rec *activity.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recKey(rec.ID), payload); err != nil {
			return err
		}
		for _, key := range indexKeys(rec) {
			if err := txn.Set(key, []byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) FinalizeRecord(_ context.Context, id string, fin activity.Finalization) error {
	return s.mutate(id, func(rec *activity.Record) error {
		return applyFinalization(rec, fin)
	})
}

func (s *BadgerStore) MergeSecurity(_ context.Context, id string, update activity.SecurityUpdate) error {
	return s.mutate(id, func(rec *activity.Record) error {
		mergeSecurity(rec, update)
		return nil
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (activity.Record, error) {
	var rec activity.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// collectByIndex walks an index prefix newest-first and loads each referenced
// record, stopping when keep returns false or the limit is hit.
func (s *BadgerStore) collectByIndex(prefix string, limit int, keep func(rec *activity.Record) (include, cont bool)) ([]activity.Record, error) {
	var out []activity.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			id := indexedID(string(it.Item().Key()))
			if id == "" {
				continue
			}

			item, err := txn.Get(recKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var rec activity.Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			include, cont := keep(&rec)
			if include {
				out = append(out, rec)
			}
			if !cont || (limit > 0 && len(out) >= limit) {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// indexedID returns the record id from an index key (the segment after the
// final colon; ids are uuids and never contain one).
func indexedID(key string) string {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 || idx+1 >= len(key) {
		return ""
	}
	return key[idx+1:]
}

func (s *BadgerStore) ActorWindow(_ context.Context, actorID string, since time.Time) ([]activity.Record, error) {
	return s.collectByIndex(actorPrefix+actorID+":", 0, func(rec *activity.Record) (bool, bool) {
		if rec.Request.OccurredAt.Before(since) {
			// Newest-first iteration: everything past here is older.
			return false, false
		}
		return true, true
	})
}

func (s *BadgerStore) ActorTimeline(_ context.Context, actorID string, f TimelineFilter) (RecordPage, error) {
	matched, err := s.collectByIndex(actorPrefix+actorID+":", 0, func(rec *activity.Record) (bool, bool) {
		if !f.From.IsZero() && rec.Request.OccurredAt.Before(f.From) {
			return false, false
		}
		return f.Matches(rec), true
	})
	if err != nil {
		return RecordPage{}, err
	}
	return paginate(matched, f.Page, f.Limit), nil
}

func (s *BadgerStore) TargetTimeline(_ context.Context, entityType, entityID string, f TimelineFilter) (RecordPage, error) {
	prefix := targetPrefix + entityType + ":" + entityID + ":"
	matched, err := s.collectByIndex(prefix, 0, func(rec *activity.Record) (bool, bool) {
		if !f.From.IsZero() && rec.Request.OccurredAt.Before(f.From) {
			return false, false
		}
		return f.Matches(rec), true
	})
	if err != nil {
		return RecordPage{}, err
	}
	return paginate(matched, f.Page, f.Limit), nil
}

func (s *BadgerStore) Stats(_ context.Context, since time.Time) ([]StatsBucket, error) {
	counts := make(map[activity.Kind]map[activity.Status]int)
	_, err := s.collectByIndex(timePrefix, 0, func(rec *activity.Record) (bool, bool) {
		if rec.Request.OccurredAt.Before(since) {
			return false, false
		}
		if counts[rec.Kind] == nil {
			counts[rec.Kind] = make(map[activity.Status]int)
		}
		counts[rec.Kind][rec.Status]++
		return false, true
	})
	if err != nil {
		return nil, err
	}

	var buckets []StatsBucket
	for kind, statuses := range counts {
		for status, count := range statuses {
			buckets = append(buckets, StatsBucket{Kind: kind, Status: status, Count: count})
		}
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Kind != buckets[j].Kind {
			return buckets[i].Kind < buckets[j].Kind
		}
		return buckets[i].Status < buckets[j].Status
	})
	return buckets, nil
}

func (s *BadgerStore) SecurityListing(_ context.Context, minRiskScore int, flaggedOnly bool, page, limit int) (RecordPage, error) {
	if flaggedOnly {
		// The flag index is occurredAt-descending; re-rank by score for the
		// listing order. The stable sort keeps the time order within ties.
		matched, err := s.collectByIndex(flagPrefix, 0, func(*activity.Record) (bool, bool) {
			return true, true
		})
		if err != nil {
			return RecordPage{}, err
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].Security.RiskScore > matched[j].Security.RiskScore
		})
		return paginate(matched, page, limit), nil
	}

	// The risk index is riskScore-descending, so matching records arrive in
	// listing order.
	matched, err := s.collectByIndex(riskPrefix, 0, func(rec *activity.Record) (bool, bool) {
		if !rec.Security.Flagged && rec.Security.RiskScore < minRiskScore {
			// Keep iterating: flagged records can sit below the requested
			// threshold when the deployment's flag threshold is lower.
			return false, true
		}
		return true, true
	})
	if err != nil {
		return RecordPage{}, err
	}
	return paginate(matched, page, limit), nil
}

func (s *BadgerStore) Scan(_ context.Context, from, to time.Time, limit int) ([]activity.Record, error) {
	return s.collectByIndex(timePrefix, limit, func(rec *activity.Record) (bool, bool) {
		occurred := rec.Request.OccurredAt
		if !from.IsZero() && occurred.Before(from) {
			return false, false
		}
		if !to.IsZero() && occurred.After(to) {
			return false, true
		}
		return true, true
	})
}

func (s *BadgerStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	cutoff := fmt.Sprintf("%s%019d", expPrefix, now.Unix())

	var expired []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(expPrefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			key := string(it.Item().Key())
			if key[:len(cutoff)] > cutoff {
				break
			}
			if id := indexedID(key); id != "" {
				expired = append(expired, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range expired {
		removed, err := s.deleteRecord(id, now)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

// deleteRecord removes a record and all its index entries unless it became
// permanent since its expiry entry was written. Safe to call twice: a
// missing record just cleans up any dangling expiry key.
func (s *BadgerStore) deleteRecord(id string, now time.Time) (bool, error) {
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var rec activity.Record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		if rec.Retention.Permanent || rec.Retention.ExpiresAt.After(now) {
			return nil
		}

		for _, key := range indexKeys(&rec) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		if err := txn.Delete(recKey(id)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

func (s *BadgerStore) TimeoutStalePending(ctx context.Context, before time.Time) (int, error) {
	stale, err := s.collectByIndex(statusPrefix+string(activity.StatusPending)+":", 0, func(rec *activity.Record) (bool, bool) {
		// Newest-first: skip records still inside the ceiling, keep the rest.
		return rec.Request.OccurredAt.Before(before), true
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	fin := activity.Finalization{
		Status: activity.StatusTimeout,
		Error: &activity.ErrorDetail{
			Code:    "PENDING_SWEEP",
			Message: "record left PENDING beyond the ceiling",
		},
	}
	for _, rec := range stale {
		if err := s.FinalizeRecord(ctx, rec.ID, fin); err != nil {
			if errors.Is(err, ErrRecordFinalized) || errors.Is(err, ErrNotFound) {
				continue
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// Ping reports whether the store is usable.
func (s *BadgerStore) Ping() error {
	if s.db.IsClosed() {
		return errors.New("record store is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	close(s.stop)
	return s.db.Close()
}
