package leaderboard

import (
	"fmt"
	"net/http"
)

// StatusError is returned whenever the leaderboard answers with a non-2xx
// status code.
//
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx status from '%s': %d %s",
		e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}
