package changefeed

import "errors"

var ErrClosed = errors.New("change feed closed")
