// Package as holds the wire-format types and gRPC client for the
// application-server integration API. Hand-authored to the shape
// protoc-gen-go would emit from as.proto (see DESIGN.md for why this tree
// has no protoc step).
package as

import (
	"context"

	"google.golang.org/grpc"

	"github.com/brocaar/chirpstack-network-server/api/common"
)

// ErrorType enumerates the application-server error categories the network
// server can report back through HandleError.
type ErrorType int32

// Supported error types.
const (
	ErrorType_UNKNOWN                  ErrorType = 0
	ErrorType_DEVICE_QUEUE_ITEM_SIZE   ErrorType = 1
	ErrorType_DEVICE_QUEUE_ITEM_FCNT   ErrorType = 2
	ErrorType_UPLINK_CODEC             ErrorType = 3
	ErrorType_OTAA                     ErrorType = 4
)

// HandleUplinkDataRequest forwards a decoded application payload.
type HandleUplinkDataRequest struct {
	DevEui      []byte
	JoinEui     []byte
	FCnt        uint32
	FPort       uint32
	Dr          uint32
	TxInfo      []byte
	RxInfo      []byte
	Data        []byte
	ConfirmedUplink bool
}

// HandleProprietaryUplinkRequest forwards a proprietary (non-MAC) frame.
type HandleProprietaryUplinkRequest struct {
	MacPayload []byte
	TxInfo     []byte
	RxInfo     []byte
}

// HandleErrorRequest reports a network-server side error about a device to
// the application server.
type HandleErrorRequest struct {
	DevEui []byte
	Type   ErrorType
	Error  string
	FCnt   uint32
}

// HandleDownlinkACKRequest reports the (n)ack state of a confirmed
// downlink, keyed by FCnt.
type HandleDownlinkACKRequest struct {
	DevEui       []byte
	FCnt         uint32
	Acknowledged bool
}

// SetDeviceStatusRequest forwards a DevStatusAns battery/margin report.
type SetDeviceStatusRequest struct {
	DevEui          []byte
	Battery         uint32
	Margin          int32
	ExternalPowerSource bool
	BatteryLevelUnavailable bool
}

// SetDeviceLocationRequest forwards a resolved device location.
type SetDeviceLocationRequest struct {
	DevEui   []byte
	Location common.Location
}

// Empty is the shared empty response for fire-and-forget calls.
type Empty struct{}

// ApplicationServerClient is the subset of the generated gRPC client used
// by the network server, grounded on asclient/pool.go's
// `as.ApplicationServerClient`/`as.NewApplicationServerClient` usage.
type ApplicationServerClient interface {
	HandleUplinkData(ctx context.Context, in *HandleUplinkDataRequest, opts ...grpc.CallOption) (*Empty, error)
	HandleProprietaryUplink(ctx context.Context, in *HandleProprietaryUplinkRequest, opts ...grpc.CallOption) (*Empty, error)
	HandleError(ctx context.Context, in *HandleErrorRequest, opts ...grpc.CallOption) (*Empty, error)
	HandleDownlinkACK(ctx context.Context, in *HandleDownlinkACKRequest, opts ...grpc.CallOption) (*Empty, error)
	SetDeviceStatus(ctx context.Context, in *SetDeviceStatusRequest, opts ...grpc.CallOption) (*Empty, error)
	SetDeviceLocation(ctx context.Context, in *SetDeviceLocationRequest, opts ...grpc.CallOption) (*Empty, error)
}

type applicationServerClient struct {
	cc *grpc.ClientConn
}

// NewApplicationServerClient wraps a grpc.ClientConn as an
// ApplicationServerClient, matching the generated-client constructor shape.
func NewApplicationServerClient(cc *grpc.ClientConn) ApplicationServerClient {
	return &applicationServerClient{cc}
}

const serviceName = "as.ApplicationServer"

func (c *applicationServerClient) HandleUplinkData(ctx context.Context, in *HandleUplinkDataRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HandleUplinkData", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *applicationServerClient) HandleProprietaryUplink(ctx context.Context, in *HandleProprietaryUplinkRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HandleProprietaryUplink", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *applicationServerClient) HandleError(ctx context.Context, in *HandleErrorRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HandleError", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *applicationServerClient) HandleDownlinkACK(ctx context.Context, in *HandleDownlinkACKRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/HandleDownlinkACK", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *applicationServerClient) SetDeviceStatus(ctx context.Context, in *SetDeviceStatusRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetDeviceStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *applicationServerClient) SetDeviceLocation(ctx context.Context, in *SetDeviceLocationRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetDeviceLocation", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
