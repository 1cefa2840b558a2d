package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/feichai0017/page-colorizer/internal/state"
)

// parseDuration accepts Go durations plus a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func stateBackendOf(s string) state.Backend {
	return state.Backend(strings.ToLower(strings.TrimSpace(s)))
}
