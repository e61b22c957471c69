package txn

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/tidwall/wal"
	"go.etcd.io/etcd/pkg/v3/pbutil"

	"quorumkv/internal/message"
)

const (
	RecordPrepared byte = 1
	RecordDecision byte = 2
	RecordFinished byte = 3
)

const compactEvery = 64

// Record is one journal entry: what happened to a transaction and the
// message that carries its details.
type Record struct {
	Type byte
	Msg  message.Message
}

// Journal durably records transaction progress so a restarted node can
// resume prepared transactions and undelivered decisions.
type Journal interface {
	Append(recType byte, msg message.Message) error
	// Pending returns the latest record of every transaction that had not
	// finished when the journal was opened, ordered by transaction id.
	Pending() []Record
	Close() error
}

type WALJournal struct {
	mu sync.Mutex

	log  *wal.Log
	next uint64

	// first wal index of every transaction not yet finished
	open     map[uint64]uint64
	pending  []Record
	finished int
}

func OpenJournal(dir string, noSync bool) (*WALJournal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	j := &WALJournal{
		log:  log,
		next: 1,
		open: make(map[uint64]uint64),
	}

	if err := j.replay(); err != nil {
		log.Close()
		return nil, err
	}

	return j, nil
}

func (j *WALJournal) replay() error {
	empty, err := j.log.IsEmpty()
	if err != nil {
		return fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil
	}

	first, err := j.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := j.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}

	latest := make(map[uint64]Record)
	for idx := first; idx <= last; idx++ {
		data, err := j.log.Read(idx)
		if err != nil {
			return fmt.Errorf("wal.Read(%d): %w", idx, err)
		}

		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("unmarshal record %d: %w", idx, err)
		}

		var msg message.Message
		if err := msg.Unmarshal(payload); err != nil {
			return fmt.Errorf("decode record %d: %w", idx, err)
		}

		switch recType {
		case RecordPrepared, RecordDecision:
			if _, ok := j.open[msg.TxnID]; !ok {
				j.open[msg.TxnID] = idx
			}
			latest[msg.TxnID] = Record{Type: recType, Msg: msg}
		case RecordFinished:
			delete(j.open, msg.TxnID)
			delete(latest, msg.TxnID)
		default:
			slog.Warn("skipping unknown journal record", "index", idx, "type", recType)
		}

		j.next = idx + 1
	}

	for _, id := range slices.Sorted(maps.Keys(latest)) {
		j.pending = append(j.pending, latest[id])
	}

	slog.Info("journal replayed",
		"first", first,
		"last", last,
		"pending", len(j.pending),
	)

	return nil
}

func (j *WALJournal) Pending() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Record, len(j.pending))
	for i, r := range j.pending {
		out[i] = Record{Type: r.Type, Msg: r.Msg.Clone()}
	}
	return out
}

func (j *WALJournal) Append(recType byte, msg message.Message) error {
	payload := pbutil.MustMarshal(&msg)

	j.mu.Lock()
	defer j.mu.Unlock()

	idx := j.next
	if err := j.log.Write(idx, marshalRecord(recType, payload)); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", idx, err)
	}
	j.next++

	switch recType {
	case RecordFinished:
		delete(j.open, msg.TxnID)
		j.finished++
		if j.finished >= compactEvery {
			j.finished = 0
			j.compact()
		}
	default:
		if _, ok := j.open[msg.TxnID]; !ok {
			j.open[msg.TxnID] = idx
		}
	}

	return nil
}

// compact drops every record older than the oldest unfinished transaction.
func (j *WALJournal) compact() {
	target := j.next - 1
	for _, idx := range j.open {
		target = min(target, idx)
	}

	first, err := j.log.FirstIndex()
	if err != nil || target <= first {
		return
	}

	if err := j.log.TruncateFront(target); err != nil {
		slog.Warn("journal compaction failed", "target", target, "error", err)
		return
	}
	slog.Debug("journal compacted", "first", target)
}

func (j *WALJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.log.Sync(); err != nil {
		slog.Warn("journal sync on close failed", "error", err)
	}
	return j.log.Close()
}

type nopJournal struct{}

// NopJournal keeps nothing. Transactions do not survive a restart.
func NopJournal() Journal {
	return nopJournal{}
}

func (nopJournal) Append(byte, message.Message) error { return nil }
func (nopJournal) Pending() []Record                  { return nil }
func (nopJournal) Close() error                       { return nil }

func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	end := start + int(length)
	if end > len(data) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return recType, data[start:end], nil
}
