// Package ns holds the wire-format types and gRPC client/server for the
// network-server admin API (spec §6's "Admin API", internal/api's thin
// gRPC surface). Hand-authored to the shape protoc-gen-go/protoc-gen-go-grpc
// would emit from ns.proto (see DESIGN.md for why this tree has no protoc
// step), mirroring JanZimmer-loraserver's internal/api/network_server.go
// request/response naming.
package ns

import (
	"context"

	"google.golang.org/grpc"
)

// Empty is the shared empty response for fire-and-forget calls.
type Empty struct{}

// ActivateDeviceRequest installs an ABP device-session for DevEui.
type ActivateDeviceRequest struct {
	DevEui             []byte
	DevAddr            []byte
	NwkSEncKey         []byte
	SNwkSIntKey        []byte
	FNwkSIntKey        []byte
	FCntUp             uint32
	NFCntDown          uint32
	SkipFCntCheck      bool
}

// DeactivateDeviceRequest removes a device-session.
type DeactivateDeviceRequest struct {
	DevEui []byte
}

// GetDeviceActivationRequest looks up a device-session's activation state.
type GetDeviceActivationRequest struct {
	DevEui []byte
}

// GetDeviceActivationResponse reports a device-session's activation state.
type GetDeviceActivationResponse struct {
	DevAddr       []byte
	NwkSEncKey    []byte
	SNwkSIntKey   []byte
	FNwkSIntKey   []byte
	FCntUp        uint32
	NFCntDown     uint32
	SkipFCntCheck bool
}

// GetRandomDevAddrResponse carries a freshly generated, collision-checked
// DevAddr under this network server's NetID.
type GetRandomDevAddrResponse struct {
	DevAddr []byte
}

// CreateServiceProfileRequest creates a service-profile.
type CreateServiceProfileRequest struct {
	NwkGeoLoc        bool
	DevStatusReqFreq uint32
	ChannelMask      []byte
	PrAllowed        bool
	HrAllowed        bool
	RaAllowed        bool
	NwkGeoLocAllowed bool
	TargetPer        uint32
	MinGwDiversity   uint32
}

// CreateServiceProfileResponse returns the newly assigned id.
type CreateServiceProfileResponse struct {
	Id []byte
}

// CreateDeviceProfileRequest creates a device-profile.
type CreateDeviceProfileRequest struct {
	SupportsClassB     bool
	ClassBTimeout      uint32
	PingSlotPeriod     uint32
	PingSlotDr         uint32
	PingSlotFreq       uint32
	SupportsClassC     bool
	ClassCTimeout      uint32
	MacVersion         string
	RegParamsRevision  string
	RxDelay1           uint32
	RxDrOffset1        uint32
	RxDataRate2        uint32
	RxFreq2            uint32
	FactoryPresetFreqs []uint32
	MaxEirp            uint32
	MaxDutyCycle       uint32
	SupportsJoin       bool
	RfRegion           string
	Supports32BitFCnt  bool
}

// CreateDeviceProfileResponse returns the newly assigned id.
type CreateDeviceProfileResponse struct {
	Id []byte
}

// CreateRoutingProfileRequest creates a routing-profile.
type CreateRoutingProfileRequest struct {
	AsId string
}

// CreateRoutingProfileResponse returns the newly assigned id.
type CreateRoutingProfileResponse struct {
	Id []byte
}

// CreateDeviceRequest registers a device under its profiles.
type CreateDeviceRequest struct {
	DevEui           []byte
	ServiceProfileId []byte
	DeviceProfileId  []byte
	RoutingProfileId []byte
}

// CreateDeviceQueueItemRequest enqueues a downlink payload for a device.
type CreateDeviceQueueItemRequest struct {
	DevEui     []byte
	FrmPayload []byte
	FPort      uint32
	Confirmed  bool
}

// CreateDeviceQueueItemResponse returns the queue item's id.
type CreateDeviceQueueItemResponse struct {
	Id int64
}

// FlushDeviceQueueForDevEuiRequest empties a device's downlink queue.
type FlushDeviceQueueForDevEuiRequest struct {
	DevEui []byte
}

// GetDeviceQueueItemsForDevEuiRequest lists a device's pending downlinks.
type GetDeviceQueueItemsForDevEuiRequest struct {
	DevEui []byte
}

// DeviceQueueItem mirrors one queued downlink.
type DeviceQueueItem struct {
	Id         int64
	DevEui     []byte
	FrmPayload []byte
	FCnt       uint32
	FPort      uint32
	Confirmed  bool
	IsPending  bool
}

// GetDeviceQueueItemsForDevEuiResponse lists a device's pending downlinks.
type GetDeviceQueueItemsForDevEuiResponse struct {
	Items []*DeviceQueueItem
}

// CreateGatewayRequest creates a gateway.
type CreateGatewayRequest struct {
	GatewayId     []byte
	TenantId      []byte
	Name          string
	IsPrivateUp   bool
	IsPrivateDown bool
	Latitude      float64
	Longitude     float64
	Altitude      float64
}

// GetGatewayRequest looks up a gateway.
type GetGatewayRequest struct {
	GatewayId []byte
}

// GatewayResponse mirrors one gateway's stored fields.
type GatewayResponse struct {
	GatewayId     []byte
	TenantId      []byte
	Name          string
	IsPrivateUp   bool
	IsPrivateDown bool
	Latitude      float64
	Longitude     float64
	Altitude      float64
}

// UpdateGatewayRequest updates a gateway's mutable fields.
type UpdateGatewayRequest struct {
	GatewayId     []byte
	Name          string
	IsPrivateUp   bool
	IsPrivateDown bool
	Latitude      float64
	Longitude     float64
	Altitude      float64
}

// DeleteGatewayRequest removes a gateway.
type DeleteGatewayRequest struct {
	GatewayId []byte
}

// CreateMulticastGroupRequest creates a multicast-group.
type CreateMulticastGroupRequest struct {
	ApplicationId    []byte
	Name             string
	McAddr           []byte
	McNwkSKey        []byte
	McAppSKey        []byte
	GroupType        string
	Dr               int32
	Frequency        int32
	PingSlotPeriod   int32
	ClassCScheduling string
}

// CreateMulticastGroupResponse returns the newly assigned id.
type CreateMulticastGroupResponse struct {
	Id []byte
}

// GetMulticastGroupRequest looks up a multicast-group.
type GetMulticastGroupRequest struct {
	Id []byte
}

// MulticastGroupResponse mirrors one multicast-group's stored fields.
type MulticastGroupResponse struct {
	Id               []byte
	ApplicationId    []byte
	Name             string
	McAddr           []byte
	FCnt             uint32
	GroupType        string
	Dr               int32
	Frequency        int32
	PingSlotPeriod   int32
	ClassCScheduling string
}

// DeleteMulticastGroupRequest removes a multicast-group.
type DeleteMulticastGroupRequest struct {
	Id []byte
}

// EnqueueMulticastQueueItemRequest schedules a multicast downlink.
type EnqueueMulticastQueueItemRequest struct {
	MulticastGroupId []byte
	FPort            uint32
	FrmPayload       []byte
}

// CreateFUOTADeploymentRequest kicks off a FUOTA deployment for a set of
// devices (and, for multicast deployments, a set of gateways).
type CreateFUOTADeploymentRequest struct {
	ApplicationId         []byte
	DeviceProfileId       []byte
	Name                  string
	GroupType             string
	Dr                    int32
	Frequency             int32
	ClassBPingSlotNbK     int32
	ClassCSchedulingType  string
	UnicastMaxRetryCount  int32
	FragSize              int32
	RedundancyPercentage  int32
	Payload               []byte
	DevEuis               [][]byte
	GatewayIds            [][]byte
}

// CreateFUOTADeploymentResponse returns the newly assigned deployment id.
type CreateFUOTADeploymentResponse struct {
	Id []byte
}

// NetworkServerClient is the subset of the generated gRPC client an
// out-of-process administration tool would use to drive this network
// server, grounded on JanZimmer-loraserver's NetworkServerAPI surface.
type NetworkServerClient interface {
	ActivateDevice(ctx context.Context, in *ActivateDeviceRequest, opts ...grpc.CallOption) (*Empty, error)
	DeactivateDevice(ctx context.Context, in *DeactivateDeviceRequest, opts ...grpc.CallOption) (*Empty, error)
	GetDeviceActivation(ctx context.Context, in *GetDeviceActivationRequest, opts ...grpc.CallOption) (*GetDeviceActivationResponse, error)
	GetRandomDevAddr(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GetRandomDevAddrResponse, error)
	CreateServiceProfile(ctx context.Context, in *CreateServiceProfileRequest, opts ...grpc.CallOption) (*CreateServiceProfileResponse, error)
	CreateDeviceProfile(ctx context.Context, in *CreateDeviceProfileRequest, opts ...grpc.CallOption) (*CreateDeviceProfileResponse, error)
	CreateRoutingProfile(ctx context.Context, in *CreateRoutingProfileRequest, opts ...grpc.CallOption) (*CreateRoutingProfileResponse, error)
	CreateDevice(ctx context.Context, in *CreateDeviceRequest, opts ...grpc.CallOption) (*Empty, error)
	CreateDeviceQueueItem(ctx context.Context, in *CreateDeviceQueueItemRequest, opts ...grpc.CallOption) (*CreateDeviceQueueItemResponse, error)
	FlushDeviceQueueForDevEui(ctx context.Context, in *FlushDeviceQueueForDevEuiRequest, opts ...grpc.CallOption) (*Empty, error)
	GetDeviceQueueItemsForDevEui(ctx context.Context, in *GetDeviceQueueItemsForDevEuiRequest, opts ...grpc.CallOption) (*GetDeviceQueueItemsForDevEuiResponse, error)
	CreateGateway(ctx context.Context, in *CreateGatewayRequest, opts ...grpc.CallOption) (*Empty, error)
	GetGateway(ctx context.Context, in *GetGatewayRequest, opts ...grpc.CallOption) (*GatewayResponse, error)
	UpdateGateway(ctx context.Context, in *UpdateGatewayRequest, opts ...grpc.CallOption) (*Empty, error)
	DeleteGateway(ctx context.Context, in *DeleteGatewayRequest, opts ...grpc.CallOption) (*Empty, error)
	CreateMulticastGroup(ctx context.Context, in *CreateMulticastGroupRequest, opts ...grpc.CallOption) (*CreateMulticastGroupResponse, error)
	GetMulticastGroup(ctx context.Context, in *GetMulticastGroupRequest, opts ...grpc.CallOption) (*MulticastGroupResponse, error)
	DeleteMulticastGroup(ctx context.Context, in *DeleteMulticastGroupRequest, opts ...grpc.CallOption) (*Empty, error)
	EnqueueMulticastQueueItem(ctx context.Context, in *EnqueueMulticastQueueItemRequest, opts ...grpc.CallOption) (*Empty, error)
	CreateFUOTADeployment(ctx context.Context, in *CreateFUOTADeploymentRequest, opts ...grpc.CallOption) (*CreateFUOTADeploymentResponse, error)
}

type networkServerClient struct {
	cc *grpc.ClientConn
}

// NewNetworkServerClient wraps a grpc.ClientConn as a NetworkServerClient.
func NewNetworkServerClient(cc *grpc.ClientConn) NetworkServerClient {
	return &networkServerClient{cc}
}

const serviceName = "ns.NetworkServer"

func (c *networkServerClient) ActivateDevice(ctx context.Context, in *ActivateDeviceRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ActivateDevice", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) DeactivateDevice(ctx context.Context, in *DeactivateDeviceRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/DeactivateDevice", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) GetDeviceActivation(ctx context.Context, in *GetDeviceActivationRequest, opts ...grpc.CallOption) (*GetDeviceActivationResponse, error) {
	out := new(GetDeviceActivationResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetDeviceActivation", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) GetRandomDevAddr(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GetRandomDevAddrResponse, error) {
	out := new(GetRandomDevAddrResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetRandomDevAddr", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateServiceProfile(ctx context.Context, in *CreateServiceProfileRequest, opts ...grpc.CallOption) (*CreateServiceProfileResponse, error) {
	out := new(CreateServiceProfileResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateServiceProfile", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateDeviceProfile(ctx context.Context, in *CreateDeviceProfileRequest, opts ...grpc.CallOption) (*CreateDeviceProfileResponse, error) {
	out := new(CreateDeviceProfileResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateDeviceProfile", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateRoutingProfile(ctx context.Context, in *CreateRoutingProfileRequest, opts ...grpc.CallOption) (*CreateRoutingProfileResponse, error) {
	out := new(CreateRoutingProfileResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateRoutingProfile", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateDevice(ctx context.Context, in *CreateDeviceRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateDevice", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateDeviceQueueItem(ctx context.Context, in *CreateDeviceQueueItemRequest, opts ...grpc.CallOption) (*CreateDeviceQueueItemResponse, error) {
	out := new(CreateDeviceQueueItemResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateDeviceQueueItem", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) FlushDeviceQueueForDevEui(ctx context.Context, in *FlushDeviceQueueForDevEuiRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/FlushDeviceQueueForDevEui", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) GetDeviceQueueItemsForDevEui(ctx context.Context, in *GetDeviceQueueItemsForDevEuiRequest, opts ...grpc.CallOption) (*GetDeviceQueueItemsForDevEuiResponse, error) {
	out := new(GetDeviceQueueItemsForDevEuiResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetDeviceQueueItemsForDevEui", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateGateway(ctx context.Context, in *CreateGatewayRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateGateway", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) GetGateway(ctx context.Context, in *GetGatewayRequest, opts ...grpc.CallOption) (*GatewayResponse, error) {
	out := new(GatewayResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetGateway", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) UpdateGateway(ctx context.Context, in *UpdateGatewayRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/UpdateGateway", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) DeleteGateway(ctx context.Context, in *DeleteGatewayRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/DeleteGateway", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateMulticastGroup(ctx context.Context, in *CreateMulticastGroupRequest, opts ...grpc.CallOption) (*CreateMulticastGroupResponse, error) {
	out := new(CreateMulticastGroupResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateMulticastGroup", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) GetMulticastGroup(ctx context.Context, in *GetMulticastGroupRequest, opts ...grpc.CallOption) (*MulticastGroupResponse, error) {
	out := new(MulticastGroupResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetMulticastGroup", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) DeleteMulticastGroup(ctx context.Context, in *DeleteMulticastGroupRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/DeleteMulticastGroup", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) EnqueueMulticastQueueItem(ctx context.Context, in *EnqueueMulticastQueueItemRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/EnqueueMulticastQueueItem", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *networkServerClient) CreateFUOTADeployment(ctx context.Context, in *CreateFUOTADeploymentRequest, opts ...grpc.CallOption) (*CreateFUOTADeploymentResponse, error) {
	out := new(CreateFUOTADeploymentResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateFUOTADeployment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// NetworkServerServer is the service implementation interface
// internal/api's NetworkServerAPI satisfies, so it can be registered with a
// grpc.Server via RegisterNetworkServerServer.
type NetworkServerServer interface {
	ActivateDevice(context.Context, *ActivateDeviceRequest) (*Empty, error)
	DeactivateDevice(context.Context, *DeactivateDeviceRequest) (*Empty, error)
	GetDeviceActivation(context.Context, *GetDeviceActivationRequest) (*GetDeviceActivationResponse, error)
	GetRandomDevAddr(context.Context, *Empty) (*GetRandomDevAddrResponse, error)
	CreateServiceProfile(context.Context, *CreateServiceProfileRequest) (*CreateServiceProfileResponse, error)
	CreateDeviceProfile(context.Context, *CreateDeviceProfileRequest) (*CreateDeviceProfileResponse, error)
	CreateRoutingProfile(context.Context, *CreateRoutingProfileRequest) (*CreateRoutingProfileResponse, error)
	CreateDevice(context.Context, *CreateDeviceRequest) (*Empty, error)
	CreateDeviceQueueItem(context.Context, *CreateDeviceQueueItemRequest) (*CreateDeviceQueueItemResponse, error)
	FlushDeviceQueueForDevEui(context.Context, *FlushDeviceQueueForDevEuiRequest) (*Empty, error)
	GetDeviceQueueItemsForDevEui(context.Context, *GetDeviceQueueItemsForDevEuiRequest) (*GetDeviceQueueItemsForDevEuiResponse, error)
	CreateGateway(context.Context, *CreateGatewayRequest) (*Empty, error)
	GetGateway(context.Context, *GetGatewayRequest) (*GatewayResponse, error)
	UpdateGateway(context.Context, *UpdateGatewayRequest) (*Empty, error)
	DeleteGateway(context.Context, *DeleteGatewayRequest) (*Empty, error)
	CreateMulticastGroup(context.Context, *CreateMulticastGroupRequest) (*CreateMulticastGroupResponse, error)
	GetMulticastGroup(context.Context, *GetMulticastGroupRequest) (*MulticastGroupResponse, error)
	DeleteMulticastGroup(context.Context, *DeleteMulticastGroupRequest) (*Empty, error)
	EnqueueMulticastQueueItem(context.Context, *EnqueueMulticastQueueItemRequest) (*Empty, error)
	CreateFUOTADeployment(context.Context, *CreateFUOTADeploymentRequest) (*CreateFUOTADeploymentResponse, error)
}

// RegisterNetworkServerServer registers srv with s, the way
// protoc-gen-go-grpc's generated registration function would.
func RegisterNetworkServerServer(s *grpc.Server, srv NetworkServerServer) {
	s.RegisterService(&_NetworkServer_serviceDesc, srv)
}

var _NetworkServer_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NetworkServerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ActivateDevice", Handler: _NetworkServer_ActivateDevice_Handler},
		{MethodName: "DeactivateDevice", Handler: _NetworkServer_DeactivateDevice_Handler},
		{MethodName: "GetDeviceActivation", Handler: _NetworkServer_GetDeviceActivation_Handler},
		{MethodName: "GetRandomDevAddr", Handler: _NetworkServer_GetRandomDevAddr_Handler},
		{MethodName: "CreateServiceProfile", Handler: _NetworkServer_CreateServiceProfile_Handler},
		{MethodName: "CreateDeviceProfile", Handler: _NetworkServer_CreateDeviceProfile_Handler},
		{MethodName: "CreateRoutingProfile", Handler: _NetworkServer_CreateRoutingProfile_Handler},
		{MethodName: "CreateDevice", Handler: _NetworkServer_CreateDevice_Handler},
		{MethodName: "CreateDeviceQueueItem", Handler: _NetworkServer_CreateDeviceQueueItem_Handler},
		{MethodName: "FlushDeviceQueueForDevEui", Handler: _NetworkServer_FlushDeviceQueueForDevEui_Handler},
		{MethodName: "GetDeviceQueueItemsForDevEui", Handler: _NetworkServer_GetDeviceQueueItemsForDevEui_Handler},
		{MethodName: "CreateGateway", Handler: _NetworkServer_CreateGateway_Handler},
		{MethodName: "GetGateway", Handler: _NetworkServer_GetGateway_Handler},
		{MethodName: "UpdateGateway", Handler: _NetworkServer_UpdateGateway_Handler},
		{MethodName: "DeleteGateway", Handler: _NetworkServer_DeleteGateway_Handler},
		{MethodName: "CreateMulticastGroup", Handler: _NetworkServer_CreateMulticastGroup_Handler},
		{MethodName: "GetMulticastGroup", Handler: _NetworkServer_GetMulticastGroup_Handler},
		{MethodName: "DeleteMulticastGroup", Handler: _NetworkServer_DeleteMulticastGroup_Handler},
		{MethodName: "EnqueueMulticastQueueItem", Handler: _NetworkServer_EnqueueMulticastQueueItem_Handler},
		{MethodName: "CreateFUOTADeployment", Handler: _NetworkServer_CreateFUOTADeployment_Handler},
	},
	Metadata: "ns.proto",
}

func _NetworkServer_ActivateDevice_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ActivateDeviceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).ActivateDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ActivateDevice"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).ActivateDevice(ctx, req.(*ActivateDeviceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_DeactivateDevice_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeactivateDeviceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).DeactivateDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeactivateDevice"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).DeactivateDevice(ctx, req.(*DeactivateDeviceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_GetDeviceActivation_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetDeviceActivationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).GetDeviceActivation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetDeviceActivation"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).GetDeviceActivation(ctx, req.(*GetDeviceActivationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_GetRandomDevAddr_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).GetRandomDevAddr(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetRandomDevAddr"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).GetRandomDevAddr(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateServiceProfile_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateServiceProfileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateServiceProfile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateServiceProfile"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateServiceProfile(ctx, req.(*CreateServiceProfileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateDeviceProfile_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateDeviceProfileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateDeviceProfile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateDeviceProfile"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateDeviceProfile(ctx, req.(*CreateDeviceProfileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateRoutingProfile_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateRoutingProfileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateRoutingProfile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateRoutingProfile"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateRoutingProfile(ctx, req.(*CreateRoutingProfileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateDevice_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateDeviceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateDevice"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateDevice(ctx, req.(*CreateDeviceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateDeviceQueueItem_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateDeviceQueueItemRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateDeviceQueueItem(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateDeviceQueueItem"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateDeviceQueueItem(ctx, req.(*CreateDeviceQueueItemRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_FlushDeviceQueueForDevEui_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FlushDeviceQueueForDevEuiRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).FlushDeviceQueueForDevEui(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FlushDeviceQueueForDevEui"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).FlushDeviceQueueForDevEui(ctx, req.(*FlushDeviceQueueForDevEuiRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_GetDeviceQueueItemsForDevEui_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetDeviceQueueItemsForDevEuiRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).GetDeviceQueueItemsForDevEui(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetDeviceQueueItemsForDevEui"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).GetDeviceQueueItemsForDevEui(ctx, req.(*GetDeviceQueueItemsForDevEuiRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateGateway_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateGatewayRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateGateway(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateGateway"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateGateway(ctx, req.(*CreateGatewayRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_GetGateway_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetGatewayRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).GetGateway(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetGateway"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).GetGateway(ctx, req.(*GetGatewayRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_UpdateGateway_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateGatewayRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).UpdateGateway(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateGateway"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).UpdateGateway(ctx, req.(*UpdateGatewayRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_DeleteGateway_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteGatewayRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).DeleteGateway(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeleteGateway"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).DeleteGateway(ctx, req.(*DeleteGatewayRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateMulticastGroup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateMulticastGroupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateMulticastGroup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateMulticastGroup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateMulticastGroup(ctx, req.(*CreateMulticastGroupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_GetMulticastGroup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetMulticastGroupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).GetMulticastGroup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetMulticastGroup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).GetMulticastGroup(ctx, req.(*GetMulticastGroupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_DeleteMulticastGroup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteMulticastGroupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).DeleteMulticastGroup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeleteMulticastGroup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).DeleteMulticastGroup(ctx, req.(*DeleteMulticastGroupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_EnqueueMulticastQueueItem_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(EnqueueMulticastQueueItemRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).EnqueueMulticastQueueItem(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/EnqueueMulticastQueueItem"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).EnqueueMulticastQueueItem(ctx, req.(*EnqueueMulticastQueueItemRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkServer_CreateFUOTADeployment_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateFUOTADeploymentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkServerServer).CreateFUOTADeployment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateFUOTADeployment"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkServerServer).CreateFUOTADeployment(ctx, req.(*CreateFUOTADeploymentRequest))
	}
	return interceptor(ctx, in, info, handler)
}
