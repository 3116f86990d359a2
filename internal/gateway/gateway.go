// Package gateway defines the lifecycle shared by the front ends that expose
// the tool registry: MCP over stdio and the optional HTTP API.
package gateway

import "context"

// Gateway is a front end the serve command runs until shutdown.
type Gateway interface {
	// Start serves until the gateway exits or ctx is cancelled. It returns
	// an error only on failure.
	Start(ctx context.Context) error

	// Stop shuts the gateway down. ctx bounds how long in-flight requests
	// may take to drain.
	Stop(ctx context.Context) error
}
