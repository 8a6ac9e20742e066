package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// Config describes one queue assigned to a worker pool.
type Config struct {
	Name string
	// Concurrency caps how many of this queue's jobs one pool runs at once. Zero means no cap.
	Concurrency int
}

// ParseList builds configs from entries of the form name[:concurrency].
func ParseList(entries []string) ([]Config, error) {
	seen := make(map[string]bool, len(entries))
	out := make([]Config, 0, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, capStr, hasCap := strings.Cut(raw, ":")
		if !ValidName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("queue %q listed twice", name)
		}
		seen[name] = true
		c := Config{Name: name}
		if hasCap {
			n, err := strconv.Atoi(capStr)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid concurrency for queue %q: %q", name, capStr)
			}
			c.Concurrency = n
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		out = append(out, Config{Name: DefaultName})
	}
	return out, nil
}

// Names returns the queue names in order.
func Names(cfgs []Config) []string {
	names := make([]string, len(cfgs))
	for i, c := range cfgs {
		names[i] = c.Name
	}
	return names
}
