package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xiy/agent-core/pkg/types"
)

const (
	sessionPrefix = "session/"
	archivePrefix = "archive/"
)

// BadgerBackend persists sessions as JSON values in BadgerDB.
//
// Keys:
//
//	session/<id>                  current session record
//	archive/<id>/<nanos>-<index>  one evicted message
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger database in dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func archiveKey(id string, stamp int64, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d-%06d", archivePrefix, id, stamp, index))
}

func (b *BadgerBackend) Load(_ context.Context, id string) (types.Session, bool, error) {
	var (
		sess  types.Session
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return types.Session{}, false, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, found, nil
}

// Save writes the session record and every archived message in one
// transaction.
func (b *BadgerBackend) Save(_ context.Context, sess types.Session, archived []types.Message) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	stamp := time.Now().UnixNano()
	err = b.db.Update(func(txn *badger.Txn) error {
		for i, msg := range archived {
			raw, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal archived message: %w", err)
			}
			if err := txn.Set(archiveKey(sess.ID, stamp, i), raw); err != nil {
				return err
			}
		}
		return txn.Set(sessionKey(sess.ID), val)
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes the session record. Archived messages are kept.
func (b *BadgerBackend) Delete(_ context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (b *BadgerBackend) List(_ context.Context) ([]types.SessionInfo, error) {
	out := make([]types.SessionInfo, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = []byte(sessionPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sess types.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, infoOf(sess))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sortInfos(out)
	return out, nil
}

// LoadArchive returns evicted messages oldest first.
func (b *BadgerBackend) LoadArchive(_ context.Context, id string) ([]types.Message, error) {
	prefix := []byte(archivePrefix + id + "/")
	out := make([]types.Message, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if !strings.HasPrefix(string(it.Item().Key()), string(prefix)) {
				continue
			}
			var msg types.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load archive %s: %w", id, err)
	}
	return out, nil
}

// Close closes the BadgerDB instance.
func (b *BadgerBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
