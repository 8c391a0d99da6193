package netw

import (
	"context"
)

const (
	ServiceNode        = "Node"
	ServiceCoordinator = "Coordinator"
)

const (
	ApiGet       = "Get"
	ApiMutate    = "Mutate"
	ApiReplicate = "Replicate"
	ApiDemand    = "Demand"
	ApiSupply    = "Supply"
	ApiForward   = "Forward"
	ApiCancel    = "Cancel"
	ApiShow      = "Show"

	ApiJoin  = "Join"
	ApiLeave = "Leave"
	ApiQuery = "Query"
)

// Server exposes the exported methods of registered objects.
// Methods have the rpcx shape func(ctx, *Args, *Reply) error.
type Server interface {
	Register(name string, obj interface{}) error
	Start() error
	Stop()
}

type Client interface {
	Call(ctx context.Context, method string, args interface{}, reply interface{}) error
	Close()
}

// Network creates servers and the clients that reach them by address.
type Network interface {
	MakeServer(name, addr string) Server
	MakeClient(name, addr string) Client
}
