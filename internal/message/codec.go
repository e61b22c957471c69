package message

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed message")

const (
	fieldKind         protowire.Number = 1
	fieldFrom         protowire.Number = 2
	fieldTo           protowire.Number = 3
	fieldEpoch        protowire.Number = 4
	fieldTxnID        protowire.Number = 5
	fieldCoordinator  protowire.Number = 6
	fieldParticipants protowire.Number = 7
	fieldWrites       protowire.Number = 8
	fieldState        protowire.Number = 9
	fieldFenced       protowire.Number = 10
	fieldCounterID    protowire.Number = 11
	fieldVector       protowire.Number = 12
	fieldRound        protowire.Number = 13
)

const (
	writeKey    protowire.Number = 1
	writeValue  protowire.Number = 2
	writeDelete protowire.Number = 3

	entryReplica protowire.Number = 1
	entryCount   protowire.Number = 2
)

// Marshal encodes m in protobuf wire format. Zero-valued fields are omitted.
func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(m.Kind))
	b = appendVarint(b, fieldFrom, m.From)
	b = appendVarint(b, fieldTo, m.To)
	b = appendVarint(b, fieldEpoch, m.Epoch)
	b = appendVarint(b, fieldTxnID, m.TxnID)
	b = appendVarint(b, fieldCoordinator, m.Coordinator)
	b = appendVarint(b, fieldRound, m.Round)

	if len(m.Participants) > 0 {
		var packed []byte
		for _, p := range m.Participants {
			packed = protowire.AppendVarint(packed, p)
		}
		b = protowire.AppendTag(b, fieldParticipants, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	for _, w := range m.Writes {
		var wb []byte
		wb = protowire.AppendTag(wb, writeKey, protowire.BytesType)
		wb = protowire.AppendString(wb, w.Key)
		if len(w.Value) > 0 {
			wb = protowire.AppendTag(wb, writeValue, protowire.BytesType)
			wb = protowire.AppendBytes(wb, w.Value)
		}
		if w.Delete {
			wb = appendVarint(wb, writeDelete, 1)
		}
		b = protowire.AppendTag(b, fieldWrites, protowire.BytesType)
		b = protowire.AppendBytes(b, wb)
	}

	b = appendVarint(b, fieldState, uint64(m.State))
	if m.Fenced {
		b = appendVarint(b, fieldFenced, 1)
	}

	if m.CounterID != "" {
		b = protowire.AppendTag(b, fieldCounterID, protowire.BytesType)
		b = protowire.AppendString(b, m.CounterID)
	}

	// sorted so equal vectors encode to equal bytes
	replicas := make([]uint64, 0, len(m.Vector))
	for id := range m.Vector {
		replicas = append(replicas, id)
	}
	slices.Sort(replicas)
	for _, id := range replicas {
		var eb []byte
		eb = appendVarint(eb, entryReplica, id)
		eb = appendVarint(eb, entryCount, m.Vector[id])
		b = protowire.AppendTag(b, fieldVector, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}

	return b, nil
}

// Unmarshal decodes data into m, replacing its previous contents. Unknown
// fields are skipped.
func (m *Message) Unmarshal(data []byte) error {
	*m = Message{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
			m.setVarint(num, v)

		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := m.setBytes(num, v); err != nil {
				return err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return nil
}

func (m *Message) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldKind:
		m.Kind = Kind(v)
	case fieldFrom:
		m.From = v
	case fieldTo:
		m.To = v
	case fieldEpoch:
		m.Epoch = v
	case fieldTxnID:
		m.TxnID = v
	case fieldCoordinator:
		m.Coordinator = v
	case fieldState:
		m.State = TxnState(v)
	case fieldFenced:
		m.Fenced = v != 0
	case fieldRound:
		m.Round = v
	}
}

func (m *Message) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldParticipants:
		for len(v) > 0 {
			p, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return fmt.Errorf("%w: participants: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Participants = append(m.Participants, p)
			v = v[n:]
		}
	case fieldWrites:
		w, err := unmarshalWrite(v)
		if err != nil {
			return err
		}
		m.Writes = append(m.Writes, w)
	case fieldCounterID:
		m.CounterID = string(v)
	case fieldVector:
		id, count, err := unmarshalEntry(v)
		if err != nil {
			return err
		}
		if m.Vector == nil {
			m.Vector = make(map[uint64]uint64)
		}
		m.Vector[id] = count
	}
	return nil
}

func unmarshalWrite(data []byte) (Write, error) {
	var w Write
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return w, fmt.Errorf("%w: write tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == writeKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return w, fmt.Errorf("%w: write key: %v", ErrMalformed, protowire.ParseError(n))
			}
			w.Key = string(v)
			data = data[n:]
		case num == writeValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return w, fmt.Errorf("%w: write value: %v", ErrMalformed, protowire.ParseError(n))
			}
			w.Value = slices.Clone(v)
			data = data[n:]
		case num == writeDelete && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return w, fmt.Errorf("%w: write delete: %v", ErrMalformed, protowire.ParseError(n))
			}
			w.Delete = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return w, fmt.Errorf("%w: write field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return w, nil
}

func unmarshalEntry(data []byte) (uint64, uint64, error) {
	var id, count uint64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: vector tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, 0, fmt.Errorf("%w: vector field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: vector value: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case entryReplica:
			id = v
		case entryCount:
			count = v
		}
	}
	return id, count, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
