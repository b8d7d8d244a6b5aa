package api

import (
	"context"
	"testing"

	"github.com/gofrs/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/chirpstack-network-server/api/ns"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/chirpstack-network-server/internal/test"
	"github.com/brocaar/lorawan"
)

func TestNetworkServerAPI(t *testing.T) {
	conf := test.GetConfig()
	config.C = conf
	if err := storage.Setup(conf); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	api := NewNetworkServerAPI()

	Convey("Given a clean database", t, func() {
		test.MustResetDB(storage.DB().DB.DB)
		test.MustFlushRedis(storage.RedisPool())

		Convey("GetRandomDevAddr returns a DevAddr prefixed with the configured NetID", func() {
			resp, err := api.GetRandomDevAddr(ctx, &ns.Empty{})
			So(err, ShouldBeNil)
			So(resp.DevAddr, ShouldHaveLength, 4)

			var netID lorawan.NetID
			So(netID.UnmarshalText([]byte(conf.NetworkServer.NetID)), ShouldBeNil)

			var devAddr lorawan.DevAddr
			copy(devAddr[:], resp.DevAddr)
			So(devAddr.NwkID(), ShouldEqual, netID.NwkID())
		})

		Convey("Given a service, device and routing profile", func() {
			spResp, err := api.CreateServiceProfile(ctx, &ns.CreateServiceProfileRequest{})
			So(err, ShouldBeNil)

			dpResp, err := api.CreateDeviceProfile(ctx, &ns.CreateDeviceProfileRequest{MacVersion: "1.0.3"})
			So(err, ShouldBeNil)

			rpResp, err := api.CreateRoutingProfile(ctx, &ns.CreateRoutingProfileRequest{AsId: "as:1234"})
			So(err, ShouldBeNil)

			devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
			_, err = api.CreateDevice(ctx, &ns.CreateDeviceRequest{
				DevEui:           devEUI[:],
				ServiceProfileId: spResp.Id,
				DeviceProfileId:  dpResp.Id,
				RoutingProfileId: rpResp.Id,
			})
			So(err, ShouldBeNil)

			Convey("ActivateDevice creates a session, GetDeviceActivation reads it back", func() {
				devAddr := lorawan.DevAddr{1, 2, 3, 4}
				nwkSEncKey := lorawan.AES128Key{1}

				_, err := api.ActivateDevice(ctx, &ns.ActivateDeviceRequest{
					DevEui:     devEUI[:],
					DevAddr:    devAddr[:],
					NwkSEncKey: nwkSEncKey[:],
					FCntUp:     10,
					NFCntDown:  20,
				})
				So(err, ShouldBeNil)

				resp, err := api.GetDeviceActivation(ctx, &ns.GetDeviceActivationRequest{DevEui: devEUI[:]})
				So(err, ShouldBeNil)
				So(resp.DevAddr, ShouldResemble, devAddr[:])
				So(resp.FCntUp, ShouldEqual, uint32(10))
				So(resp.NFCntDown, ShouldEqual, uint32(20))

				Convey("DeactivateDevice removes the session", func() {
					_, err := api.DeactivateDevice(ctx, &ns.DeactivateDeviceRequest{DevEui: devEUI[:]})
					So(err, ShouldBeNil)

					_, err = api.GetDeviceActivation(ctx, &ns.GetDeviceActivationRequest{DevEui: devEUI[:]})
					So(err, ShouldNotBeNil)
				})

				Convey("Enqueueing and reading back a device-queue item", func() {
					qResp, err := api.CreateDeviceQueueItem(ctx, &ns.CreateDeviceQueueItemRequest{
						DevEui:     devEUI[:],
						FrmPayload: []byte{1, 2, 3},
						FPort:      10,
					})
					So(err, ShouldBeNil)
					So(qResp.Id, ShouldBeGreaterThan, 0)

					items, err := api.GetDeviceQueueItemsForDevEui(ctx, &ns.GetDeviceQueueItemsForDevEuiRequest{DevEui: devEUI[:]})
					So(err, ShouldBeNil)
					So(items.Items, ShouldHaveLength, 1)
					So(items.Items[0].FPort, ShouldEqual, uint32(10))

					Convey("FlushDeviceQueueForDevEui empties the queue", func() {
						_, err := api.FlushDeviceQueueForDevEui(ctx, &ns.FlushDeviceQueueForDevEuiRequest{DevEui: devEUI[:]})
						So(err, ShouldBeNil)

						items, err := api.GetDeviceQueueItemsForDevEui(ctx, &ns.GetDeviceQueueItemsForDevEuiRequest{DevEui: devEUI[:]})
						So(err, ShouldBeNil)
						So(items.Items, ShouldHaveLength, 0)
					})
				})
			})
		})

		Convey("Gateway CRUD", func() {
			tenantID, err := uuid.NewV4()
			So(err, ShouldBeNil)

			gatewayID := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
			_, err = api.CreateGateway(ctx, &ns.CreateGatewayRequest{
				GatewayId: gatewayID[:],
				TenantId:  tenantID.Bytes(),
				Name:      "test-gw",
				Latitude:  1.123,
				Longitude: 2.456,
			})
			So(err, ShouldBeNil)

			resp, err := api.GetGateway(ctx, &ns.GetGatewayRequest{GatewayId: gatewayID[:]})
			So(err, ShouldBeNil)
			So(resp.Name, ShouldEqual, "test-gw")

			_, err = api.UpdateGateway(ctx, &ns.UpdateGatewayRequest{
				GatewayId: gatewayID[:],
				Name:      "test-gw-updated",
			})
			So(err, ShouldBeNil)

			resp, err = api.GetGateway(ctx, &ns.GetGatewayRequest{GatewayId: gatewayID[:]})
			So(err, ShouldBeNil)
			So(resp.Name, ShouldEqual, "test-gw-updated")

			_, err = api.DeleteGateway(ctx, &ns.DeleteGatewayRequest{GatewayId: gatewayID[:]})
			So(err, ShouldBeNil)

			_, err = api.GetGateway(ctx, &ns.GetGatewayRequest{GatewayId: gatewayID[:]})
			So(err, ShouldNotBeNil)
		})

		Convey("Multicast-group CRUD", func() {
			appID, err := uuid.NewV4()
			So(err, ShouldBeNil)

			mgResp, err := api.CreateMulticastGroup(ctx, &ns.CreateMulticastGroupRequest{
				ApplicationId: appID.Bytes(),
				Name:          "test-mg",
				GroupType:     "C",
			})
			So(err, ShouldBeNil)

			resp, err := api.GetMulticastGroup(ctx, &ns.GetMulticastGroupRequest{Id: mgResp.Id})
			So(err, ShouldBeNil)
			So(resp.Name, ShouldEqual, "test-mg")
			So(resp.GroupType, ShouldEqual, "C")

			_, err = api.DeleteMulticastGroup(ctx, &ns.DeleteMulticastGroupRequest{Id: mgResp.Id})
			So(err, ShouldBeNil)

			_, err = api.GetMulticastGroup(ctx, &ns.GetMulticastGroupRequest{Id: mgResp.Id})
			So(err, ShouldNotBeNil)
		})
	})
}
