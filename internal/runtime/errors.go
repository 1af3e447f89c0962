package runtime

import "errors"

var errNulByte = errors.New("source code cannot contain null bytes")
