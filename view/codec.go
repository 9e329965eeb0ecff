package view

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.tesserae.dev/trellis/spec/gms"
)

// Wire encodings of View and RaggedTrim. Two View encodings exist: the
// full form carries the subgroup layout, the streamlined form omits it
// and is what a leader sends to an ordinary joiner (which recomputes the
// layout itself). Which form is on the wire is determined by protocol
// context, not by a tag.

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) ids(ids []gms.NodeID) {
	e.u32(uint32(len(ids)))
	for _, id := range ids {
		e.u32(uint32(id))
	}
}

func (e *encoder) bools(bs []bool) {
	e.u32(uint32(len(bs)))
	for _, b := range bs {
		e.boolean(b)
	}
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("view: truncated %s", what)
	}
}

func (d *decoder) u8(what string) uint8 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.fail(what)
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) u32(what string) uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 4 {
		d.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) i32(what string) int32 { return int32(d.u32(what)) }

func (d *decoder) boolean(what string) bool { return d.u8(what) != 0 }

func (d *decoder) str(what string) string {
	n := int(d.u32(what))
	if d.err != nil {
		return ""
	}
	if len(d.buf) < n {
		d.fail(what)
		return ""
	}
	v := string(d.buf[:n])
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) ids(what string) []gms.NodeID {
	n := int(d.u32(what))
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]gms.NodeID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, gms.NodeID(d.u32(what)))
	}
	return out
}

func (d *decoder) bools(what string) []bool {
	n := int(d.u32(what))
	if d.err != nil {
		return nil
	}
	out := make([]bool, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.boolean(what))
	}
	return out
}

func (v *View) encodeCommon(e *encoder) {
	e.i32(int32(v.VID))
	e.ids(v.Members)
	e.u32(uint32(len(v.MemberIPs)))
	for _, ip := range v.MemberIPs {
		e.str(ip)
	}
	e.bools(v.Failed)
	e.ids(v.Joined)
	e.ids(v.Departed)
	e.i32(v.NextUnassignedRank)
}

// MarshalStreamlined encodes the view without its subgroup layout.
func (v *View) MarshalStreamlined() []byte {
	e := &encoder{}
	v.encodeCommon(e)
	return e.buf
}

// Marshal encodes the complete view, subgroup layout included.
func (v *View) Marshal() []byte {
	e := &encoder{}
	v.encodeCommon(e)

	types := make([]string, 0, len(v.SubgroupIDsByType))
	for t := range v.SubgroupIDsByType {
		types = append(types, t)
	}
	sort.Strings(types)
	e.u32(uint32(len(types)))
	for _, t := range types {
		e.str(t)
		sgs := v.SubgroupIDsByType[t]
		e.u32(uint32(len(sgs)))
		for _, sg := range sgs {
			e.u32(uint32(sg))
		}
	}

	e.u32(uint32(len(v.SubgroupShardViews)))
	for _, shards := range v.SubgroupShardViews {
		e.u32(uint32(len(shards)))
		for i := range shards {
			sv := &shards[i]
			e.ids(sv.Members)
			e.bools(sv.IsSender)
			e.u8(uint8(sv.Mode))
			e.ids(sv.Joined)
			e.ids(sv.Departed)
		}
	}
	return e.buf
}

func decodeCommon(d *decoder) *View {
	vid := gms.ViewID(d.i32("vid"))
	members := d.ids("members")
	numIPs := int(d.u32("member_ips"))
	ips := make([]string, 0, numIPs)
	for i := 0; i < numIPs; i++ {
		ips = append(ips, d.str("member_ip"))
	}
	failed := d.bools("failed")
	joined := d.ids("joined")
	departed := d.ids("departed")
	nextUnassigned := d.i32("next_unassigned_rank")
	if d.err != nil {
		return nil
	}
	return New(vid, members, ips, failed, joined, departed, gms.RankAbsent, nextUnassigned)
}

// UnmarshalStreamlined decodes a view produced by MarshalStreamlined.
// MyRank is left at RankAbsent; the caller sets it from its own ID.
func UnmarshalStreamlined(b []byte) (*View, error) {
	d := &decoder{buf: b}
	v := decodeCommon(d)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("view: %d trailing bytes after streamlined view", len(d.buf))
	}
	return v, nil
}

// Unmarshal decodes a view produced by Marshal.
func Unmarshal(b []byte) (*View, error) {
	d := &decoder{buf: b}
	v := decodeCommon(d)
	if d.err != nil {
		return nil, d.err
	}

	numTypes := int(d.u32("subgroup_types"))
	for i := 0; i < numTypes; i++ {
		t := d.str("subgroup_type")
		n := int(d.u32("subgroup_ids"))
		sgs := make([]gms.SubgroupID, 0, n)
		for j := 0; j < n; j++ {
			sgs = append(sgs, gms.SubgroupID(d.u32("subgroup_id")))
		}
		if d.err == nil {
			v.SubgroupIDsByType[t] = sgs
		}
	}

	numSubgroups := int(d.u32("subgroups"))
	for sg := 0; sg < numSubgroups && d.err == nil; sg++ {
		numShards := int(d.u32("shards"))
		shards := make([]SubView, 0, numShards)
		for s := 0; s < numShards; s++ {
			sv := SubView{
				Members:  d.ids("shard_members"),
				IsSender: d.bools("shard_senders"),
				Mode:     gms.Mode(d.u8("shard_mode")),
				MyRank:   gms.RankAbsent,
				Joined:   d.ids("shard_joined"),
				Departed: d.ids("shard_departed"),
			}
			shards = append(shards, sv)
		}
		v.SubgroupShardViews = append(v.SubgroupShardViews, shards)
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("view: %d trailing bytes after view", len(d.buf))
	}
	v.Adequate = true
	return v, nil
}

// RaggedTrim is the durable record of one subgroup's ragged-edge
// decision, persisted before delivery begins.
type RaggedTrim struct {
	SubgroupID          gms.SubgroupID
	VID                 gms.ViewID
	LeaderID            gms.NodeID
	MaxReceivedBySender []int32
}

// MaxVersion is the newest version the trim allows: the delivery
// sequence of the last deliverable message, combined with the trim's vid.
func (rt *RaggedTrim) MaxVersion() gms.Version {
	numSenders := int32(len(rt.MaxReceivedBySender))
	var maxSeq int32
	for s := int32(0); s < numSenders; s++ {
		seq := gms.SeqIndex(rt.MaxReceivedBySender[s], s, numSenders)
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return gms.CombineVersion(rt.VID, maxSeq)
}

func (rt *RaggedTrim) Marshal() []byte {
	e := &encoder{}
	e.u32(uint32(rt.SubgroupID))
	e.i32(int32(rt.VID))
	e.u32(uint32(rt.LeaderID))
	e.u32(uint32(len(rt.MaxReceivedBySender)))
	for _, m := range rt.MaxReceivedBySender {
		e.i32(m)
	}
	return e.buf
}

func UnmarshalRaggedTrim(b []byte) (*RaggedTrim, error) {
	d := &decoder{buf: b}
	rt := &RaggedTrim{
		SubgroupID: gms.SubgroupID(d.u32("subgroup_id")),
		VID:        gms.ViewID(d.i32("vid")),
		LeaderID:   gms.NodeID(d.u32("leader_id")),
	}
	n := int(d.u32("max_received"))
	if d.err == nil {
		rt.MaxReceivedBySender = make([]int32, 0, n)
		for i := 0; i < n; i++ {
			rt.MaxReceivedBySender = append(rt.MaxReceivedBySender, d.i32("max_received"))
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("view: %d trailing bytes after ragged trim", len(d.buf))
	}
	return rt, nil
}
