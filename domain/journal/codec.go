package journal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

// Records are encoded in protobuf wire format without generated code:
//
//	Batch  { repeated Record records = 1; }
//	Record { kind=1 instrument=2 seq=3 index=4 time=5(zigzag) payload=6 }
//
// Payload field numbers are listed next to each encoder. Unknown fields
// are skipped so old binaries can read newer journals.

const (
	fBatchRecord protowire.Number = 1

	fRecKind       protowire.Number = 1
	fRecInstrument protowire.Number = 2
	fRecSeq        protowire.Number = 3
	fRecIndex      protowire.Number = 4
	fRecTime       protowire.Number = 5
	fRecPayload    protowire.Number = 6
)

// MarshalBatch encodes batch into one buffer, appending to dst.
func MarshalBatch(dst []byte, batch []Record) ([]byte, error) {
	for _, r := range batch {
		body, err := MarshalRecord(nil, r)
		if err != nil {
			return nil, err
		}
		dst = protowire.AppendTag(dst, fBatchRecord, protowire.BytesType)
		dst = protowire.AppendBytes(dst, body)
	}
	return dst, nil
}

// UnmarshalBatch decodes a buffer produced by MarshalBatch.
func UnmarshalBatch(b []byte) ([]Record, error) {
	var out []Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		if num != fBatchRecord || typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return nil, corrupt(protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, corrupt(protowire.ParseError(n))
		}
		b = b[n:]
		rec, err := UnmarshalRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func MarshalRecord(dst []byte, r Record) ([]byte, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("%w: record seq=%d has no payload", ErrCorrupt, r.Seq)
	}
	dst = appendVarint(dst, fRecKind, uint64(r.Kind()))
	dst = appendVarint(dst, fRecInstrument, r.InstrumentID)
	dst = appendVarint(dst, fRecSeq, r.Seq)
	dst = appendVarint(dst, fRecIndex, uint64(r.Index))
	dst = appendVarint(dst, fRecTime, protowire.EncodeZigZag(r.Time))

	var body []byte
	switch p := r.Payload.(type) {
	case OrderAccepted:
		body = appendString(body, 1, p.OrderID)
		body = appendString(body, 2, p.Account)
		body = appendVarint(body, 3, uint64(p.Side))
		body = appendVarint(body, 4, uint64(p.Type))
		body = appendVarint(body, 5, uint64(p.Qty))
		body = appendVarint(body, 6, uint64(p.Price))
	case OrderCancelled:
		body = appendString(body, 1, p.OrderID)
		body = appendVarint(body, 2, p.OrderSeq)
		body = appendVarint(body, 3, uint64(p.Remaining))
	case TradeExecuted:
		body = appendVarint(body, 1, p.TradeID)
		body = appendString(body, 2, p.BuyOrderID)
		body = appendString(body, 3, p.SellOrderID)
		body = appendVarint(body, 4, uint64(p.Price))
		body = appendVarint(body, 5, uint64(p.Qty))
		body = appendVarint(body, 6, uint64(p.Aggressor))
	case OrderStatusChanged:
		body = appendString(body, 1, p.OrderID)
		body = appendVarint(body, 2, p.OrderSeq)
		body = appendVarint(body, 3, uint64(p.From))
		body = appendVarint(body, 4, uint64(p.To))
		body = appendVarint(body, 5, uint64(p.Remaining))
	default:
		return nil, fmt.Errorf("%w: unknown payload %T", ErrCorrupt, p)
	}
	dst = protowire.AppendTag(dst, fRecPayload, protowire.BytesType)
	dst = protowire.AppendBytes(dst, body)
	return dst, nil
}

func UnmarshalRecord(b []byte) (Record, error) {
	var (
		r    Record
		kind Kind
		body []byte
	)
	err := walkFields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case fRecKind:
			kind = Kind(v)
		case fRecInstrument:
			r.InstrumentID = v
		case fRecSeq:
			r.Seq = v
		case fRecIndex:
			r.Index = uint32(v)
		case fRecTime:
			r.Time = protowire.DecodeZigZag(v)
		case fRecPayload:
			body = raw
		}
	})
	if err != nil {
		return Record{}, err
	}

	switch kind {
	case KindOrderAccepted:
		var p OrderAccepted
		err = walkFields(body, func(num protowire.Number, v uint64, raw []byte) {
			switch num {
			case 1:
				p.OrderID = string(raw)
			case 2:
				p.Account = string(raw)
			case 3:
				p.Side = orderbook.Side(v)
			case 4:
				p.Type = orderbook.Kind(v)
			case 5:
				p.Qty = int64(v)
			case 6:
				p.Price = int64(v)
			}
		})
		r.Payload = p
	case KindOrderCancelled:
		var p OrderCancelled
		err = walkFields(body, func(num protowire.Number, v uint64, raw []byte) {
			switch num {
			case 1:
				p.OrderID = string(raw)
			case 2:
				p.OrderSeq = v
			case 3:
				p.Remaining = int64(v)
			}
		})
		r.Payload = p
	case KindTradeExecuted:
		var p TradeExecuted
		err = walkFields(body, func(num protowire.Number, v uint64, raw []byte) {
			switch num {
			case 1:
				p.TradeID = v
			case 2:
				p.BuyOrderID = string(raw)
			case 3:
				p.SellOrderID = string(raw)
			case 4:
				p.Price = int64(v)
			case 5:
				p.Qty = int64(v)
			case 6:
				p.Aggressor = orderbook.Side(v)
			}
		})
		r.Payload = p
	case KindOrderStatusChanged:
		var p OrderStatusChanged
		err = walkFields(body, func(num protowire.Number, v uint64, raw []byte) {
			switch num {
			case 1:
				p.OrderID = string(raw)
			case 2:
				p.OrderSeq = v
			case 3:
				p.From = orderbook.Status(v)
			case 4:
				p.To = orderbook.Status(v)
			case 5:
				p.Remaining = int64(v)
			}
		})
		r.Payload = p
	default:
		return Record{}, fmt.Errorf("%w: unknown kind %d at seq %d", ErrCorrupt, kind, r.Seq)
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// walkFields calls fn for every varint and bytes field in b. Other wire
// types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt(protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return corrupt(protowire.ParseError(n))
			}
			fn(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return corrupt(protowire.ParseError(n))
			}
			fn(num, 0, raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return corrupt(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}
