// Package nc holds the wire-format types and gRPC client for the optional
// network-controller integration API (ADR/MAC-event fan-out), mirroring
// the shape of nc.proto's generated client.
package nc

import (
	"context"

	"google.golang.org/grpc"
)

// HandleErrorRequest reports a MAC-layer error for a device to the
// network controller.
type HandleErrorRequest struct {
	DevEui []byte
	Type   string
	Error  string
}

// HandleUplinkMetaDataRequest forwards per-uplink radio meta-data (used by
// external ADR engines).
type HandleUplinkMetaDataRequest struct {
	DevEui      []byte
	TxInfo      []byte
	RxInfo      []byte
	MessageType string
}

// Empty is the shared empty response for fire-and-forget calls.
type Empty struct{}

// NetworkControllerClient is the subset of the generated client used by the
// network server to fan out MAC-layer events.
type NetworkControllerClient interface {
	HandleError(ctx context.Context, in *HandleErrorRequest, opts ...grpc.CallOption) (*Empty, error)
	HandleUplinkMetaData(ctx context.Context, in *HandleUplinkMetaDataRequest, opts ...grpc.CallOption) (*Empty, error)
}

type networkControllerClient struct {
	cc *grpc.ClientConn
}

// NewNetworkControllerClient wraps a grpc.ClientConn as a
// NetworkControllerClient.
func NewNetworkControllerClient(cc *grpc.ClientConn) NetworkControllerClient {
	return &networkControllerClient{cc}
}

const serviceName = "nc.NetworkController"

func (c *networkControllerClient) HandleError(ctx context.Context, in *HandleErrorRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HandleError", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkControllerClient) HandleUplinkMetaData(ctx context.Context, in *HandleUplinkMetaDataRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HandleUplinkMetaData", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
