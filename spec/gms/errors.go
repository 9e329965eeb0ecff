package gms

import (
	"context"
	"fmt"
)

var (
	ErrPartitionedMinority    = errorDef("gms/suspicion: majority of the group has failed, remaining minority must shut down", false)
	ErrIDInUse                = errorDef("gms/join: joining node announced an ID that is already a member", false)
	ErrChangesOverflow        = errorDef("gms/changes: pending change ring is full", false)
	ErrJoinerCrashed          = errorDef("gms/join: joiner socket failed during view installation", true)
	ErrInadequateView         = errorDef("gms/layout: candidate view cannot satisfy the subgroup layout", true)
	ErrMissingRaggedTrim      = errorDef("gms/restart: cannot recover with a partial ragged trim set", false)
	ErrRecoveryLeaderExcluded = errorDef("gms/restart: recovery leader is not a member of the view it computed", false)
	ErrRedirectLoop           = errorDef("gms/join: leader redirects exceeded the retry budget", false)
	ErrSelfEvicted            = errorDef("gms/view: another member reported this node failed", false)
	ErrNotLeader              = errorDef("gms/join: this node is not the group leader", true)
)

func ErrorIsRetryable(err error) bool {
	return retryableMap[err]
}

var retryableMap = map[error]bool{
	context.DeadlineExceeded: true,
}

func errorDef(str string, retryable bool) error {
	err := fmt.Errorf("%s", str)
	retryableMap[err] = retryable
	return err
}
