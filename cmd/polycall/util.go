package main

import (
	"github.com/obinexuscomputing/libpolycall"
	"go.uber.org/zap"
)

// configureLogger swaps the package-wide logger for a development or
// production zap encoder depending on -v.
func configureLogger(verbose bool) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return
	}
	polycall.Logger = logger
}

func waitClosed(t *polycall.TCPTransport) <-chan struct{} {
	return t.Done()
}
