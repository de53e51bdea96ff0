package wire

import (
	"errors"
	"fmt"
)

// ErrCorruptData marks a structural violation in a server response stream:
// a truncated payload, an unexpected token, or a malformed row. A record is
// never rejected for missing fields; only broken structure raises this.
var ErrCorruptData = errors.New("response data may be corrupt")

func corrupt(context string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptData, context, err)
}
