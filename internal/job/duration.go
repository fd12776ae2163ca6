package job

import (
	"time"

	"github.com/pkg/errors"
)

// ParseDuration parses a non-negative duration ("2ms", "1500us") into
// nanoseconds.
func ParseDuration(s string) (int64, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse duration %q", s)
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %q", s)
	}
	return int64(d), nil
}
