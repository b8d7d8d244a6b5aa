package multicast

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/chirpstack-network-server/internal/test"
	"github.com/brocaar/lorawan"
)

// TestEnqueueMinimumGatewaySet exercises spec scenario 4: devices A, B, C
// with A seen only by GW1, B seen by both GW1 and GW2, and C seen only by
// GW2. The minimum covering set is {GW1, GW2}, so enqueuing one multicast
// payload must produce exactly one queue item per gateway in that set.
func TestEnqueueMinimumGatewaySet(t *testing.T) {
	conf := test.GetConfig()
	if err := storage.Setup(conf); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	Convey("Given a clean database and a multicast-group with three member devices", t, func() {
		test.MustResetDB(storage.DB().DB.DB)
		test.MustFlushRedis(storage.RedisPool())

		sp := storage.ServiceProfile{}
		So(storage.CreateServiceProfile(ctx, storage.DB(), &sp), ShouldBeNil)
		dp := storage.DeviceProfile{}
		So(storage.CreateDeviceProfile(ctx, storage.DB(), &dp), ShouldBeNil)
		rp := storage.RoutingProfile{}
		So(storage.CreateRoutingProfile(ctx, storage.DB(), &rp), ShouldBeNil)

		devA := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
		devB := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
		devC := lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3}

		for _, devEUI := range []lorawan.EUI64{devA, devB, devC} {
			d := storage.Device{
				DevEUI:           devEUI,
				ServiceProfileID: sp.ID,
				DeviceProfileID:  dp.ID,
				RoutingProfileID: rp.ID,
			}
			So(storage.CreateDevice(ctx, storage.DB(), &d), ShouldBeNil)
		}

		mg := storage.MulticastGroup{
			ApplicationID: sp.ID,
			Name:          "test-mg",
			GroupType:     storage.MulticastGroupC,
		}
		So(storage.CreateMulticastGroup(ctx, storage.DB(), &mg), ShouldBeNil)

		So(storage.AddDeviceToMulticastGroup(ctx, storage.DB(), mg.ID, devA), ShouldBeNil)
		So(storage.AddDeviceToMulticastGroup(ctx, storage.DB(), mg.ID, devB), ShouldBeNil)
		So(storage.AddDeviceToMulticastGroup(ctx, storage.DB(), mg.ID, devC), ShouldBeNil)

		gw1 := lorawan.EUI64{0xa, 0xa, 0xa, 0xa, 0xa, 0xa, 0xa, 0xa}
		gw2 := lorawan.EUI64{0xb, 0xb, 0xb, 0xb, 0xb, 0xb, 0xb, 0xb}

		So(storage.SaveDeviceGatewayRXInfoSet(ctx, storage.RedisPool(), storage.DeviceGatewayRXInfoSet{
			DevEUI: devA,
			Items:  []storage.DeviceGatewayRXInfo{{GatewayID: gw1}},
		}), ShouldBeNil)
		So(storage.SaveDeviceGatewayRXInfoSet(ctx, storage.RedisPool(), storage.DeviceGatewayRXInfoSet{
			DevEUI: devB,
			Items:  []storage.DeviceGatewayRXInfo{{GatewayID: gw1}, {GatewayID: gw2}},
		}), ShouldBeNil)
		So(storage.SaveDeviceGatewayRXInfoSet(ctx, storage.RedisPool(), storage.DeviceGatewayRXInfoSet{
			DevEUI: devC,
			Items:  []storage.DeviceGatewayRXInfo{{GatewayID: gw2}},
		}), ShouldBeNil)

		Convey("Enqueue produces one queue item per gateway in the minimum covering set", func() {
			So(Enqueue(ctx, storage.DB(), mg.ID, 200, []byte{9, 9, 9}), ShouldBeNil)

			items, err := storage.GetSchedulableMulticastGroupQueueItems(ctx, storage.DB(), 10, 1<<31)
			So(err, ShouldBeNil)
			So(items, ShouldHaveLength, 2)

			seen := make(map[lorawan.EUI64]bool)
			for _, item := range items {
				So(item.MulticastGroupID, ShouldEqual, mg.ID)
				So(item.FCnt, ShouldEqual, uint32(1))
				seen[item.GatewayID] = true
			}
			So(seen[gw1], ShouldBeTrue)
			So(seen[gw2], ShouldBeTrue)
		})

		Convey("minimumGatewaySet picks the smaller covering set deterministically for coverage", func() {
			gatewayIDs, err := minimumGatewaySet(ctx, storage.DB(), mg.ID)
			So(err, ShouldBeNil)
			So(gatewayIDs, ShouldHaveLength, 2)

			found := make(map[lorawan.EUI64]bool)
			for _, id := range gatewayIDs {
				found[id] = true
			}
			So(found[gw1], ShouldBeTrue)
			So(found[gw2], ShouldBeTrue)
		})
	})
}
