package exchange

import "errors"

var errEmptyResponse = errors.New("empty response from exchange")
