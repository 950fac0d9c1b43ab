package broadcast

import "errors"

var ErrObserverGone = errors.New("broadcast: observer is gone")
