package omnisync

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/nvidia-omniverse/omnisync/protocol"
	"github.com/nvidia-omniverse/omnisync/utils"
)

var journalKeyPrefix = []byte("state/")

// Journal persists the asset's desired state across sessions so a
// restarted client resumes from the configuration the user last chose
// instead of the asset defaults. One record per state key, keyed under
// a common prefix, value is the desired variant.
type Journal struct {
	log utils.Logger
	db  *pebble.DB

	// last written fingerprint per key, to skip no-op writes
	written map[string]uint64
}

var JournalWriteOptions = pebble.WriteOptions{Sync: false}

func OpenJournal(log utils.Logger, path string) (*Journal, error) {
	opts := pebble.Options{
		ErrorIfNotExists: false,
	}
	db, err := pebble.Open(path, &opts)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open failed")
	}
	return &Journal{
		log:     log,
		db:      db,
		written: make(map[string]uint64),
	}, nil
}

func journalKey(key string) []byte {
	return append(append([]byte{}, journalKeyPrefix...), key...)
}

// Record stores the desired variant for a key. Unchanged values are
// not rewritten.
func (j *Journal) Record(key string, v StateValue) error {
	variant := []byte(v.Variant())
	fp := protocol.Fingerprint(variant)
	if prev, ok := j.written[key]; ok && prev == fp {
		return nil
	}
	if err := j.db.Set(journalKey(key), variant, &JournalWriteOptions); err != nil {
		return errors.Wrap(err, "journal: write failed")
	}
	j.written[key] = fp
	return nil
}

// Restore replays every journaled variant into the asset's desired
// state via set. Variants that no longer decode for their key are
// skipped with a log entry, not an error; a stale journal must never
// block a session.
func (j *Journal) Restore(set func(key string, v StateValue) error) error {
	io := pebble.IterOptions{
		LowerBound: journalKeyPrefix,
		UpperBound: append(append([]byte{}, journalKeyPrefix...), 0xff),
	}
	it, err := j.db.NewIter(&io)
	if err != nil {
		return errors.Wrap(err, "journal: iterator failed")
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		key := string(it.Key()[len(journalKeyPrefix):])
		variant := string(it.Value())
		v, ok := ValueForKey(key, variant)
		if !ok {
			j.log.Warn("journal: unreadable entry", "key", key, "variant", variant)
			continue
		}
		if err := set(key, v); err != nil {
			j.log.Warn("journal: replay rejected", "key", key, "err", err)
			continue
		}
		j.written[key] = protocol.Fingerprint([]byte(variant))
	}
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
