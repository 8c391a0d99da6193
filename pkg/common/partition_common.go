package common

import "fmt"

// DefaultPartitions is the partition count used when the config leaves it unset.
const DefaultPartitions = 64

type PartitionState int

const (
	OWNING PartitionState = iota
	MOVING_TO
	MOVING_FROM
	RENTING
	EVICTED
	LOST
)

func (s PartitionState) String() string {
	switch s {
	case OWNING:
		return "Owning"
	case MOVING_TO:
		return "MovingTo"
	case MOVING_FROM:
		return "MovingFrom"
	case RENTING:
		return "Renting"
	case EVICTED:
		return "Evicted"
	case LOST:
		return "Lost"
	}
	return fmt.Sprintf("PartitionState(%d)", int(s))
}

// Readable reports whether local reads may be served from a partition in this state.
func (s PartitionState) Readable() bool {
	return s == OWNING || s == MOVING_FROM || s == MOVING_TO || s == RENTING
}

// Writable reports whether a primary in this state may assign counters.
func (s PartitionState) Writable() bool {
	return s == OWNING || s == MOVING_FROM
}

type Op uint8

const (
	OpPut Op = iota + 1
	OpRemove
	// OpClear empties a whole partition and sets its high-water mark to Counter;
	// Key and Value are unused.
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpRemove:
		return "REMOVE"
	case OpClear:
		return "CLEAR"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

func KeyToPartition(key string, partitions int) int {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	h := hashString(key)
	return int(h % uint64(partitions))
}

func hashString(s string) uint64 {
	seed := uint64(131)
	hash := uint64(0)
	for i := 0; i < len(s); i++ {
		hash = hash*seed + uint64(s[i])
	}
	// spread sequential integer keys across partitions
	hash ^= hash >> 33
	hash *= 0xff51afd7ed558ccd
	hash ^= hash >> 33
	return hash
}

type NodeStatus int

const (
	NodeNormal NodeStatus = iota
	NodeDisconnect
	NodeLeft
)

func (s NodeStatus) String() string {
	switch s {
	case NodeNormal:
		return "Normal"
	case NodeDisconnect:
		return "Disconnect"
	case NodeLeft:
		return "Left"
	}
	return ""
}
