package results

import (
	"context"
	"fmt"
)

// Describer explains what a scriptlet does.
type Describer interface {
	Describe(name string) (string, bool)
}

// Enrich attaches scriptlet descriptions to normalized events.
func Enrich(ctx context.Context, events []NormalizedEvent, describer Describer) ([]NormalizedEvent, error) {
	if describer == nil {
		return events, nil
	}

	for i := range events {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("enrichment cancelled: %w", ctx.Err())
		default:
		}

		if desc, ok := describer.Describe(events[i].Scriptlet); ok {
			events[i].Description = desc
		}
	}

	return events, nil
}
