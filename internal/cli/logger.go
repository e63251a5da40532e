package cli

import (
	"fmt"

	"go.uber.org/zap"
)

// newLogger builds the process logger: human-readable in verbose mode,
// JSON production config otherwise.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		return log, nil
	}
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}
