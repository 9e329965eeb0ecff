package viewmanager

import (
	"encoding/binary"
	"fmt"
)

// GroupParams are the datapath parameters the leader distributes to
// every joiner alongside the view.
type GroupParams struct {
	WindowSize     uint32
	MaxPayloadSize uint32
}

func (p GroupParams) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], p.WindowSize)
	binary.LittleEndian.PutUint32(buf[4:8], p.MaxPayloadSize)
	return buf
}

func UnmarshalGroupParams(b []byte) (GroupParams, error) {
	if len(b) != 8 {
		return GroupParams{}, fmt.Errorf("viewmanager: group params are 8 bytes, got %d", len(b))
	}
	return GroupParams{
		WindowSize:     binary.LittleEndian.Uint32(b[0:4]),
		MaxPayloadSize: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// shard-leaders vector codec: the old shard leader IDs, by new-view
// subgroup and shard, -1 where a shard had no live leader.

func marshalShardLeaders(leaders [][]int64) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(leaders)))
	for _, shards := range leaders {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(shards)))
		for _, id := range shards {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		}
	}
	return buf
}

func unmarshalShardLeaders(b []byte) ([][]int64, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("viewmanager: truncated shard leaders vector")
	}
	n := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	out := make([][]int64, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("viewmanager: truncated shard leaders vector")
		}
		k := int(binary.LittleEndian.Uint32(b))
		b = b[4:]
		shards := make([]int64, 0, k)
		for j := 0; j < k; j++ {
			if len(b) < 8 {
				return nil, fmt.Errorf("viewmanager: truncated shard leaders vector")
			}
			shards = append(shards, int64(binary.LittleEndian.Uint64(b)))
			b = b[8:]
		}
		out = append(out, shards)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("viewmanager: %d trailing bytes after shard leaders vector", len(b))
	}
	return out, nil
}
