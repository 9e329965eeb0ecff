package sst

import (
	"encoding/binary"
	"fmt"

	"go.tesserae.dev/trellis/spec/gms"
)

// FieldID names one column of the register file. A (field, start, count)
// triple is the unit of replication, standing in for the byte-range put
// of the underlying table.
type FieldID uint8

const (
	FieldSuspected FieldID = iota
	FieldWedged
	FieldChanges
	FieldJoinerIPs
	FieldNumChanges
	FieldNumAcked
	FieldNumCommitted
	FieldNumInstalled
	FieldNumReceived
	FieldGlobalMin
	FieldGlobalMinReady
	FieldDeliveredNum
	FieldPersistedNum
	FieldVID
)

// FieldRange selects a slice of one field. Count 0 selects the whole
// field; a scalar field has length 1.
type FieldRange struct {
	Field FieldID
	Start int
	Count int
}

// Range selects a whole field.
func Range(f FieldID) FieldRange {
	return FieldRange{Field: f}
}

// Slice selects count elements of an indexed field starting at start.
func Slice(f FieldID, start, count int) FieldRange {
	return FieldRange{Field: f, Start: start, Count: count}
}

// row is one member's register file. Only the local row is ever written
// by this node; remote rows are updated exclusively by inbound replication.
type row struct {
	suspected      []bool
	wedged         bool
	changes        []gms.NodeID
	joinerIPs      []uint32
	numChanges     int32
	numAcked       int32
	numCommitted   int32
	numInstalled   int32
	numReceived    []int32
	globalMin      []int32
	globalMinReady []bool
	deliveredNum   []int32
	persistedNum   []int64
	vid            int32
}

func newRow(numMembers, changesCap, numSubgroups, numReceivedSize int) row {
	return row{
		suspected:      make([]bool, numMembers),
		changes:        make([]gms.NodeID, changesCap),
		joinerIPs:      make([]uint32, changesCap),
		numReceived:    make([]int32, numReceivedSize),
		globalMin:      make([]int32, numReceivedSize),
		globalMinReady: make([]bool, numSubgroups),
		deliveredNum:   make([]int32, numSubgroups),
		persistedNum:   make([]int64, numSubgroups),
	}
}

func (r *row) fieldLen(f FieldID) int {
	switch f {
	case FieldSuspected:
		return len(r.suspected)
	case FieldChanges:
		return len(r.changes)
	case FieldJoinerIPs:
		return len(r.joinerIPs)
	case FieldNumReceived:
		return len(r.numReceived)
	case FieldGlobalMin:
		return len(r.globalMin)
	case FieldGlobalMinReady:
		return len(r.globalMinReady)
	case FieldDeliveredNum:
		return len(r.deliveredNum)
	case FieldPersistedNum:
		return len(r.persistedNum)
	default:
		// scalar
		return 1
	}
}

// encodeRanges serializes the selected ranges of the row: for each range
// a (field u8, start u16, count u16) header followed by the values in
// little-endian order.
func (r *row) encodeRanges(ranges []FieldRange) ([]byte, error) {
	buf := make([]byte, 0, 64)
	for _, fr := range ranges {
		start, count := fr.Start, fr.Count
		if count == 0 {
			start, count = 0, r.fieldLen(fr.Field)
		}
		if start < 0 || start+count > r.fieldLen(fr.Field) {
			return nil, fmt.Errorf("sst: range %d+%d out of bounds for field %d", start, count, fr.Field)
		}
		buf = append(buf, byte(fr.Field))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(start))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(count))
		for i := start; i < start+count; i++ {
			switch fr.Field {
			case FieldSuspected:
				buf = append(buf, b2u8(r.suspected[i]))
			case FieldWedged:
				buf = append(buf, b2u8(r.wedged))
			case FieldChanges:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.changes[i]))
			case FieldJoinerIPs:
				buf = binary.LittleEndian.AppendUint32(buf, r.joinerIPs[i])
			case FieldNumChanges:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.numChanges))
			case FieldNumAcked:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.numAcked))
			case FieldNumCommitted:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.numCommitted))
			case FieldNumInstalled:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.numInstalled))
			case FieldNumReceived:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.numReceived[i]))
			case FieldGlobalMin:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.globalMin[i]))
			case FieldGlobalMinReady:
				buf = append(buf, b2u8(r.globalMinReady[i]))
			case FieldDeliveredNum:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.deliveredNum[i]))
			case FieldPersistedNum:
				buf = binary.LittleEndian.AppendUint64(buf, uint64(r.persistedNum[i]))
			case FieldVID:
				buf = binary.LittleEndian.AppendUint32(buf, uint32(r.vid))
			default:
				return nil, fmt.Errorf("sst: unknown field %d", fr.Field)
			}
		}
	}
	return buf, nil
}

// applyRanges decodes a payload produced by encodeRanges into the row.
func (r *row) applyRanges(buf []byte) error {
	for len(buf) > 0 {
		if len(buf) < 5 {
			return fmt.Errorf("sst: truncated range header")
		}
		f := FieldID(buf[0])
		start := int(binary.LittleEndian.Uint16(buf[1:3]))
		count := int(binary.LittleEndian.Uint16(buf[3:5]))
		buf = buf[5:]
		if start+count > r.fieldLen(f) {
			return fmt.Errorf("sst: range %d+%d out of bounds for field %d", start, count, f)
		}
		for i := start; i < start+count; i++ {
			switch f {
			case FieldSuspected, FieldWedged, FieldGlobalMinReady:
				if len(buf) < 1 {
					return fmt.Errorf("sst: truncated payload for field %d", f)
				}
				v := buf[0] != 0
				buf = buf[1:]
				switch f {
				case FieldSuspected:
					r.suspected[i] = v
				case FieldWedged:
					r.wedged = v
				case FieldGlobalMinReady:
					r.globalMinReady[i] = v
				}
			case FieldPersistedNum:
				if len(buf) < 8 {
					return fmt.Errorf("sst: truncated payload for field %d", f)
				}
				r.persistedNum[i] = int64(binary.LittleEndian.Uint64(buf))
				buf = buf[8:]
			default:
				if len(buf) < 4 {
					return fmt.Errorf("sst: truncated payload for field %d", f)
				}
				v := binary.LittleEndian.Uint32(buf)
				buf = buf[4:]
				switch f {
				case FieldChanges:
					r.changes[i] = gms.NodeID(v)
				case FieldJoinerIPs:
					r.joinerIPs[i] = v
				case FieldNumChanges:
					r.numChanges = int32(v)
				case FieldNumAcked:
					r.numAcked = int32(v)
				case FieldNumCommitted:
					r.numCommitted = int32(v)
				case FieldNumInstalled:
					r.numInstalled = int32(v)
				case FieldNumReceived:
					r.numReceived[i] = int32(v)
				case FieldGlobalMin:
					r.globalMin[i] = int32(v)
				case FieldDeliveredNum:
					r.deliveredNum[i] = int32(v)
				case FieldVID:
					r.vid = int32(v)
				default:
					return fmt.Errorf("sst: unknown field %d", f)
				}
			}
		}
	}
	return nil
}

func b2u8(b bool) byte {
	if b {
		return 1
	}
	return 0
}
