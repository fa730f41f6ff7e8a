package a2abus

import "context"

// PubSocket is the sending half of a broadcast endpoint.
// Send must not wait for subscribers: with none attached the frame is dropped.
type PubSocket interface {
	Send(ctx context.Context, topic string, frame []byte) error
	Close() error
}

// SubSocket receives broadcast frames whose topic starts with the subscription filter,
// in the order the publisher sent them.
type SubSocket interface {
	Recv(ctx context.Context) (topic string, frame []byte, err error)
	Close() error
}

// RepSocket is the serving half of a request/reply endpoint.
// Recv and Send must strictly alternate, starting with Recv.
type RepSocket interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, reply []byte) error
	Close() error
}

// ReqSocket is the client half of a request/reply endpoint.
// Send and Recv must strictly alternate, starting with Send.
type ReqSocket interface {
	Send(ctx context.Context, request []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport is the Strategy interface for socket backends.
// Endpoints are opaque strings interpreted by each adapter.
type Transport interface {
	// BindPublisher claims endpoint for broadcasting.
	BindPublisher(ctx context.Context, endpoint string) (PubSocket, error)
	// Subscribe attaches to a broadcast endpoint. Frames published before the
	// subscription is established are never delivered.
	Subscribe(ctx context.Context, endpoint, filter string) (SubSocket, error)
	// BindReplier claims endpoint for serving requests.
	BindReplier(ctx context.Context, endpoint string) (RepSocket, error)
	// ConnectRequester opens a client socket to a request/reply endpoint.
	ConnectRequester(ctx context.Context, endpoint string) (ReqSocket, error)
	// Close releases resources.
	Close(ctx context.Context) error
}
