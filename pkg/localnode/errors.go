package localnode

import "fmt"

// RPCError is a JSON-RPC error member returned by the node in place of a
// result.
//
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
