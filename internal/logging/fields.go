package logging

import (
	log "github.com/sirupsen/logrus"
)

// WithOp builds a log entry enriched with the operation and provider this
// call concerns, the non-HTTP analogue of the teacher's request-scoped
// WithReq helper. Extras take precedence on key conflicts.
func WithOp(op, provider string, extras log.Fields) *log.Entry {
	fields := log.Fields{"op": op, "provider": provider}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}
