package registry

import (
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/spec/transport"
)

// ObjectLog is the durable log of one replicated object. The view-change
// core drives only truncation, tail queries, and whole-object shipping;
// the application owns the entry contents.
type ObjectLog interface {
	// Append records data under the given version. Versions must be
	// appended in increasing order.
	Append(version gms.Version, data []byte) error

	// Truncate discards every entry with a version greater than the
	// given one.
	Truncate(version gms.Version) error

	// TailVersion reports the version of the newest entry; ok is false
	// when the log is empty.
	TailVersion() (v gms.Version, ok bool, err error)

	// SendObject ships log state to a joining shard member: it first
	// reads the peer's tail version off the socket, then streams every
	// newer entry.
	SendObject(conn transport.Conn) error

	// ReceiveObject is the joiner side: it sends our tail version and
	// installs the entries streamed back by the old shard leader.
	ReceiveObject(conn transport.Conn) error

	Close() error
}

// Provider resolves the object log of a subgroup.
type Provider func(sg gms.SubgroupID) (ObjectLog, error)
