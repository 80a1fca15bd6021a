// Package engine routes field executions to a local sandbox or a remote
// inspector session.
//
// # Routing
//
// Every request is validated and assembled first. A request whose endpoint
// is blank runs in a fresh sandbox built for its language; any other request
// is evaluated through the connection pool on the session for that
// endpoint. Local requests never touch the pool and remote requests never
// build a sandbox.
//
// # Results
//
// Execute never returns a Go error. Failures come back as an
// execution.Result carrying a classified *execution.Error:
//
//	res := e.Execute(ctx, execution.Request{
//	    Code:    "({a, b}) => a + b",
//	    Context: map[string]any{"a": 2, "b": 3},
//	})
//	if !res.OK() {
//	    log.Printf("%s: %s", res.Err.Kind, res.Err.Detail())
//	}
//
// Values are plain JSON values on both paths, so numbers are float64.
//
// # Timeouts
//
// Remote evaluations run under the evaluation timeout and local runs under
// the sandbox timeout. A remote timeout is a protocol error and tears the
// session down; a local timeout is an evaluation error.
package engine
