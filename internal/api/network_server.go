// Package api implements the Admin API (spec §6): a thin gRPC service,
// grounded on JanZimmer-loraserver's internal/api/network_server.go shape,
// wrapping internal/storage CRUD plus the fuota/multicast orchestrator
// entrypoints so an external admin tool can drive this network server.
package api

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/brocaar/chirpstack-network-server/api/ns"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/downlink/multicast"
	"github.com/brocaar/chirpstack-network-server/internal/fuota"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
)

// NetworkServerAPI implements ns.NetworkServerServer.
type NetworkServerAPI struct{}

// NewNetworkServerAPI returns a new NetworkServerAPI.
func NewNetworkServerAPI() *NetworkServerAPI {
	return &NetworkServerAPI{}
}

func (a *NetworkServerAPI) ActivateDevice(ctx context.Context, req *ns.ActivateDeviceRequest) (*ns.Empty, error) {
	var devEUI lorawan.EUI64
	var devAddr lorawan.DevAddr
	var nwkSEncKey, sNwkSIntKey, fNwkSIntKey lorawan.AES128Key

	copy(devEUI[:], req.DevEui)
	copy(devAddr[:], req.DevAddr)
	copy(nwkSEncKey[:], req.NwkSEncKey)
	copy(sNwkSIntKey[:], req.SNwkSIntKey)
	copy(fNwkSIntKey[:], req.FNwkSIntKey)

	d, err := storage.GetDevice(ctx, storage.DB(), devEUI)
	if err != nil {
		return nil, errToRPCError(err)
	}

	ds := storage.DeviceSession{
		DeviceProfileID:    d.DeviceProfileID,
		ServiceProfileID:   d.ServiceProfileID,
		RoutingProfileID:   d.RoutingProfileID,
		DevEUI:             devEUI,
		DevAddr:            devAddr,
		NwkSEncKey:         nwkSEncKey,
		SNwkSIntKey:        sNwkSIntKey,
		FNwkSIntKey:        fNwkSIntKey,
		FCntUp:             req.FCntUp,
		NFCntDown:          req.NFCntDown,
		SkipFCntValidation: req.SkipFCntCheck,
	}
	if err := storage.SaveDeviceSession(ctx, storage.RedisPool(), ds); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) DeactivateDevice(ctx context.Context, req *ns.DeactivateDeviceRequest) (*ns.Empty, error) {
	var devEUI lorawan.EUI64
	copy(devEUI[:], req.DevEui)

	if err := storage.DeleteDeviceSession(ctx, storage.RedisPool(), devEUI); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) GetDeviceActivation(ctx context.Context, req *ns.GetDeviceActivationRequest) (*ns.GetDeviceActivationResponse, error) {
	var devEUI lorawan.EUI64
	copy(devEUI[:], req.DevEui)

	ds, err := storage.GetDeviceSession(ctx, storage.RedisPool(), devEUI)
	if err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.GetDeviceActivationResponse{
		DevAddr:       ds.DevAddr[:],
		NwkSEncKey:    ds.NwkSEncKey[:],
		SNwkSIntKey:   ds.SNwkSIntKey[:],
		FNwkSIntKey:   ds.FNwkSIntKey[:],
		FCntUp:        ds.FCntUp,
		NFCntDown:     ds.NFCntDown,
		SkipFCntCheck: ds.SkipFCntValidation,
	}, nil
}

func (a *NetworkServerAPI) GetRandomDevAddr(ctx context.Context, req *ns.Empty) (*ns.GetRandomDevAddrResponse, error) {
	var netID lorawan.NetID
	if err := netID.UnmarshalText([]byte(config.C.NetworkServer.NetID)); err != nil {
		return nil, errToRPCError(err)
	}

	devAddr, err := storage.GetRandomDevAddr(netID)
	if err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.GetRandomDevAddrResponse{DevAddr: devAddr[:]}, nil
}

func (a *NetworkServerAPI) CreateServiceProfile(ctx context.Context, req *ns.CreateServiceProfileRequest) (*ns.CreateServiceProfileResponse, error) {
	sp := storage.ServiceProfile{
		NwkGeoLoc:        req.NwkGeoLoc,
		DevStatusReqFreq: req.DevStatusReqFreq,
		ChannelMask:      req.ChannelMask,
		PRAllowed:        req.PrAllowed,
		HrAllowed:        req.HrAllowed,
		RaAllowed:        req.RaAllowed,
		NwkGeoLocAllowed: req.NwkGeoLocAllowed,
		TargetPER:        req.TargetPer,
		MinGWDiversity:   req.MinGwDiversity,
	}
	if err := storage.CreateServiceProfile(ctx, storage.DB(), &sp); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.CreateServiceProfileResponse{Id: sp.ID.Bytes()}, nil
}

func (a *NetworkServerAPI) CreateDeviceProfile(ctx context.Context, req *ns.CreateDeviceProfileRequest) (*ns.CreateDeviceProfileResponse, error) {
	dp := storage.DeviceProfile{
		SupportsClassB:     req.SupportsClassB,
		ClassBTimeout:      req.ClassBTimeout,
		PingSlotPeriod:     req.PingSlotPeriod,
		PingSlotDR:         req.PingSlotDr,
		PingSlotFreq:       req.PingSlotFreq,
		SupportsClassC:     req.SupportsClassC,
		ClassCTimeout:      req.ClassCTimeout,
		MACVersion:         req.MacVersion,
		RegParamsRevision:  req.RegParamsRevision,
		RXDelay1:           req.RxDelay1,
		RXDROffset1:        req.RxDrOffset1,
		RXDataRate2:        req.RxDataRate2,
		RXFreq2:            req.RxFreq2,
		FactoryPresetFreqs: req.FactoryPresetFreqs,
		MaxEIRP:            req.MaxEirp,
		MaxDutyCycle:       req.MaxDutyCycle,
		SupportsJoin:       req.SupportsJoin,
		RFRegion:           req.RfRegion,
		Supports32BitFCnt:  req.Supports32BitFCnt,
	}
	if err := storage.CreateDeviceProfile(ctx, storage.DB(), &dp); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.CreateDeviceProfileResponse{Id: dp.ID.Bytes()}, nil
}

func (a *NetworkServerAPI) CreateRoutingProfile(ctx context.Context, req *ns.CreateRoutingProfileRequest) (*ns.CreateRoutingProfileResponse, error) {
	rp := storage.RoutingProfile{ASID: req.AsId}
	if err := storage.CreateRoutingProfile(ctx, storage.DB(), &rp); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.CreateRoutingProfileResponse{Id: rp.ID.Bytes()}, nil
}

func (a *NetworkServerAPI) CreateDevice(ctx context.Context, req *ns.CreateDeviceRequest) (*ns.Empty, error) {
	spID, err := uuid.FromBytes(req.ServiceProfileId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid service-profile id")
	}
	dpID, err := uuid.FromBytes(req.DeviceProfileId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid device-profile id")
	}
	rpID, err := uuid.FromBytes(req.RoutingProfileId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid routing-profile id")
	}

	d := storage.Device{
		ServiceProfileID: spID,
		DeviceProfileID:  dpID,
		RoutingProfileID: rpID,
	}
	copy(d.DevEUI[:], req.DevEui)

	if err := storage.CreateDevice(ctx, storage.DB(), &d); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) CreateDeviceQueueItem(ctx context.Context, req *ns.CreateDeviceQueueItemRequest) (*ns.CreateDeviceQueueItemResponse, error) {
	var devEUI lorawan.EUI64
	copy(devEUI[:], req.DevEui)

	d, err := storage.GetDevice(ctx, storage.DB(), devEUI)
	if err != nil {
		return nil, errToRPCError(err)
	}

	ds, err := storage.GetDeviceSession(ctx, storage.RedisPool(), devEUI)
	if err != nil {
		return nil, errToRPCError(err)
	}

	qi := storage.DeviceQueueItem{
		DevAddr:    ds.DevAddr,
		DevEUI:     d.DevEUI,
		FRMPayload: req.FrmPayload,
		FPort:      uint8(req.FPort),
		Confirmed:  req.Confirmed,
	}
	if err := storage.CreateDeviceQueueItem(ctx, storage.DB(), &qi); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.CreateDeviceQueueItemResponse{Id: qi.ID}, nil
}

func (a *NetworkServerAPI) FlushDeviceQueueForDevEui(ctx context.Context, req *ns.FlushDeviceQueueForDevEuiRequest) (*ns.Empty, error) {
	var devEUI lorawan.EUI64
	copy(devEUI[:], req.DevEui)

	if err := storage.FlushDeviceQueueForDevEUI(ctx, storage.DB(), devEUI); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) GetDeviceQueueItemsForDevEui(ctx context.Context, req *ns.GetDeviceQueueItemsForDevEuiRequest) (*ns.GetDeviceQueueItemsForDevEuiResponse, error) {
	var devEUI lorawan.EUI64
	copy(devEUI[:], req.DevEui)

	items, err := storage.GetDeviceQueueItemsForDevEUI(ctx, storage.DB(), devEUI)
	if err != nil {
		return nil, errToRPCError(err)
	}

	var resp ns.GetDeviceQueueItemsForDevEuiResponse
	for _, item := range items {
		resp.Items = append(resp.Items, &ns.DeviceQueueItem{
			Id:         item.ID,
			DevEui:     item.DevEUI[:],
			FrmPayload: item.FRMPayload,
			FCnt:       item.FCnt,
			FPort:      uint32(item.FPort),
			Confirmed:  item.Confirmed,
			IsPending:  item.IsPending,
		})
	}

	return &resp, nil
}

func (a *NetworkServerAPI) CreateGateway(ctx context.Context, req *ns.CreateGatewayRequest) (*ns.Empty, error) {
	tenantID, err := uuid.FromBytes(req.TenantId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid tenant id")
	}

	gw := storage.Gateway{
		TenantID:      tenantID,
		Name:          req.Name,
		IsPrivateUp:   req.IsPrivateUp,
		IsPrivateDown: req.IsPrivateDown,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		Altitude:      req.Altitude,
	}
	copy(gw.GatewayID[:], req.GatewayId)

	if err := storage.CreateGateway(ctx, storage.DB(), &gw); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) GetGateway(ctx context.Context, req *ns.GetGatewayRequest) (*ns.GatewayResponse, error) {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], req.GatewayId)

	gw, err := storage.GetGateway(ctx, storage.DB(), gatewayID)
	if err != nil {
		return nil, errToRPCError(err)
	}

	return gwToResp(gw), nil
}

func (a *NetworkServerAPI) UpdateGateway(ctx context.Context, req *ns.UpdateGatewayRequest) (*ns.Empty, error) {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], req.GatewayId)

	gw, err := storage.GetGateway(ctx, storage.DB(), gatewayID)
	if err != nil {
		return nil, errToRPCError(err)
	}

	gw.Name = req.Name
	gw.IsPrivateUp = req.IsPrivateUp
	gw.IsPrivateDown = req.IsPrivateDown
	gw.Latitude = req.Latitude
	gw.Longitude = req.Longitude
	gw.Altitude = req.Altitude

	if err := storage.UpdateGateway(ctx, storage.DB(), &gw); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) DeleteGateway(ctx context.Context, req *ns.DeleteGatewayRequest) (*ns.Empty, error) {
	var gatewayID lorawan.EUI64
	copy(gatewayID[:], req.GatewayId)

	if err := storage.DeleteGateway(ctx, storage.DB(), gatewayID); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) CreateMulticastGroup(ctx context.Context, req *ns.CreateMulticastGroupRequest) (*ns.CreateMulticastGroupResponse, error) {
	appID, err := uuid.FromBytes(req.ApplicationId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid application id")
	}

	var mcAddr lorawan.DevAddr
	var mcNwkSKey, mcAppSKey lorawan.AES128Key
	copy(mcAddr[:], req.McAddr)
	copy(mcNwkSKey[:], req.McNwkSKey)
	copy(mcAppSKey[:], req.McAppSKey)

	mg := storage.MulticastGroup{
		ApplicationID:    appID,
		Name:             req.Name,
		McAddr:           mcAddr,
		McNwkSKey:        mcNwkSKey,
		McAppSKey:        mcAppSKey,
		GroupType:        storage.MulticastGroupType(req.GroupType),
		DR:               int(req.Dr),
		Frequency:        int(req.Frequency),
		PingSlotPeriod:   int(req.PingSlotPeriod),
		ClassCScheduling: storage.MulticastGroupSchedulingType(req.ClassCScheduling),
	}
	if err := storage.CreateMulticastGroup(ctx, storage.DB(), &mg); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.CreateMulticastGroupResponse{Id: mg.ID.Bytes()}, nil
}

func (a *NetworkServerAPI) GetMulticastGroup(ctx context.Context, req *ns.GetMulticastGroupRequest) (*ns.MulticastGroupResponse, error) {
	id, err := uuid.FromBytes(req.Id)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid id")
	}

	mg, err := storage.GetMulticastGroup(ctx, storage.DB(), id)
	if err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.MulticastGroupResponse{
		Id:               mg.ID.Bytes(),
		ApplicationId:    mg.ApplicationID.Bytes(),
		Name:             mg.Name,
		McAddr:           mg.McAddr[:],
		FCnt:             mg.FCnt,
		GroupType:        string(mg.GroupType),
		Dr:               int32(mg.DR),
		Frequency:        int32(mg.Frequency),
		PingSlotPeriod:   int32(mg.PingSlotPeriod),
		ClassCScheduling: string(mg.ClassCScheduling),
	}, nil
}

func (a *NetworkServerAPI) DeleteMulticastGroup(ctx context.Context, req *ns.DeleteMulticastGroupRequest) (*ns.Empty, error) {
	id, err := uuid.FromBytes(req.Id)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid id")
	}

	if err := storage.DeleteMulticastGroup(ctx, storage.DB(), id); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) EnqueueMulticastQueueItem(ctx context.Context, req *ns.EnqueueMulticastQueueItemRequest) (*ns.Empty, error) {
	groupID, err := uuid.FromBytes(req.MulticastGroupId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid multicast-group id")
	}

	if err := multicast.Enqueue(ctx, storage.DB(), groupID, uint8(req.FPort), req.FrmPayload); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.Empty{}, nil
}

func (a *NetworkServerAPI) CreateFUOTADeployment(ctx context.Context, req *ns.CreateFUOTADeploymentRequest) (*ns.CreateFUOTADeploymentResponse, error) {
	appID, err := uuid.FromBytes(req.ApplicationId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid application id")
	}
	dpID, err := uuid.FromBytes(req.DeviceProfileId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid device-profile id")
	}

	fd := storage.FUOTADeployment{
		ApplicationID:        appID,
		DeviceProfileID:      dpID,
		Name:                 req.Name,
		GroupType:            storage.MulticastGroupType(req.GroupType),
		Frequency:            int(req.Frequency),
		DR:                   int(req.Dr),
		ClassBPingSlotNbK:    int(req.ClassBPingSlotNbK),
		ClassCSchedulingType: storage.MulticastGroupSchedulingType(req.ClassCSchedulingType),
		UnicastMaxRetryCount: int(req.UnicastMaxRetryCount),
		FragSize:             int(req.FragSize),
		RedundancyPercentage: int(req.RedundancyPercentage),
		Payload:              req.Payload,
	}

	var devEUIs []lorawan.EUI64
	for _, b := range req.DevEuis {
		var devEUI lorawan.EUI64
		copy(devEUI[:], b)
		devEUIs = append(devEUIs, devEUI)
	}

	var gatewayIDs []lorawan.EUI64
	for _, b := range req.GatewayIds {
		var gatewayID lorawan.EUI64
		copy(gatewayID[:], b)
		gatewayIDs = append(gatewayIDs, gatewayID)
	}

	if err := fuota.CreateDeployment(ctx, storage.DB(), &fd, devEUIs, gatewayIDs); err != nil {
		return nil, errToRPCError(err)
	}

	return &ns.CreateFUOTADeploymentResponse{Id: fd.ID.Bytes()}, nil
}

func gwToResp(gw storage.Gateway) *ns.GatewayResponse {
	return &ns.GatewayResponse{
		GatewayId:     gw.GatewayID[:],
		TenantId:      gw.TenantID.Bytes(),
		Name:          gw.Name,
		IsPrivateUp:   gw.IsPrivateUp,
		IsPrivateDown: gw.IsPrivateDown,
		Latitude:      gw.Latitude,
		Longitude:     gw.Longitude,
		Altitude:      gw.Altitude,
	}
}

// errToRPCError maps a storage/domain error to the gRPC status code an
// admin client expects, following JanZimmer-loraserver's errToRPCError.
func errToRPCError(err error) error {
	cause := errors.Cause(err)
	switch cause {
	case storage.ErrDoesNotExist, storage.ErrDoesNotExistOrFCntOrMICInvalid:
		return status.Error(codes.NotFound, cause.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
