package common

import (
	"github.com/pkg/errors"
)

// Err is the status code carried in every RPC reply.
type Err string

const (
	OK               Err = "OK"
	ErrNoKey         Err = "ErrNoKey"
	ErrWrongOwner    Err = "ErrWrongOwner"
	ErrStaleVersion  Err = "ErrStaleVersion"
	ErrFutureVersion Err = "ErrFutureVersion"
	ErrLost          Err = "ErrPartitionLost"
	ErrNotReady      Err = "ErrPartitionNotReady"
	ErrNoSession     Err = "ErrSessionUnknown"
	ErrIO            Err = "ErrIOFailure"
	ErrFailed        Err = "ErrFailed"
	ErrNodeClosed    Err = "ErrNodeClosed"
)

var (
	ErrIOFailure      = errors.New("io failure")
	ErrNotOwner       = errors.New("node does not own partition")
	ErrStaleTopology  = errors.New("topology version is stale")
	ErrFutureTopology = errors.New("topology version not yet known")
	ErrPartitionLost  = errors.New("partition lost")
	ErrPartitionBusy  = errors.New("partition is rebalancing")
	ErrSessionUnknown = errors.New("rebalance session unknown")
	ErrClosed         = errors.New("node closed")
	ErrRemoteFailed   = errors.New("remote call failed")
	ErrKeyNotFound    = errors.New("key not found")
)

var errByCode = map[Err]error{
	ErrNoKey:         ErrKeyNotFound,
	ErrWrongOwner:    ErrNotOwner,
	ErrStaleVersion:  ErrStaleTopology,
	ErrFutureVersion: ErrFutureTopology,
	ErrLost:          ErrPartitionLost,
	ErrNotReady:      ErrPartitionBusy,
	ErrNoSession:     ErrSessionUnknown,
	ErrIO:            ErrIOFailure,
	ErrNodeClosed:    ErrClosed,
	ErrFailed:        ErrRemoteFailed,
}

// ToErr converts an error returned inside a node into the code sent back to the caller.
func ToErr(err error) Err {
	if err == nil {
		return OK
	}
	for code, sentinel := range errByCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrFailed
}

// ToError converts a reply code back into a sentinel error, nil for OK.
func (e Err) ToError() error {
	if e == OK || e == "" {
		return nil
	}
	if err, ok := errByCode[e]; ok {
		return err
	}
	return errors.Errorf("remote error: %s", string(e))
}
