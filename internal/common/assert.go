package common

import (
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// Assertf panics with an assertion failure if cond is false.
//
// It guards internal invariants (reference counts, writer offsets, declared file ranges)
// whose violation means in-memory state is already corrupt. Callers must not recover from it.
func Assertf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	err := errors.AssertionFailedf(format, args...)
	log.WithFields(log.Fields{"error": err.Error()}).Error("internal::common::Assertf; invariant violated")
	panic(err)
}
