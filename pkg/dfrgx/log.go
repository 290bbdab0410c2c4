package dfrgx

import "github.com/go-logr/logr"

var log = logr.Discard()

// SetLogger sets the logger used by the governor.
func SetLogger(logger logr.Logger) {
	log = logger
}
