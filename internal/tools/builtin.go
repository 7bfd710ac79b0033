package tools

import (
	"context"
	"fmt"
	"time"
)

// Clock returns the free current_time tool. now is injectable for tests.
func Clock(now func() time.Time) Func {
	if now == nil {
		now = time.Now
	}
	return Func{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally in an IANA time zone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA zone name such as Europe/Berlin. Defaults to UTC.",
				},
			},
		},
		Fn: func(_ context.Context, args map[string]any) Result {
			loc := time.UTC
			if tz, _ := args["timezone"].(string); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return Failure{Err: fmt.Errorf("unknown timezone %q", tz)}
				}
				loc = l
			}
			t := now().In(loc)
			return Success{Output: map[string]any{
				"time":     t.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  t.Weekday().String(),
			}}
		},
	}
}
