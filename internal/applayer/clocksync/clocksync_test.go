package clocksync

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/chirpstack-network-server/internal/gps"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/chirpstack-network-server/internal/test"
	"github.com/brocaar/lorawan"
	lwclocksync "github.com/brocaar/lorawan/applayer/clocksync"
)

func TestHandleUplink(t *testing.T) {
	conf := test.GetConfig()
	if err := storage.Setup(conf); err != nil {
		t.Fatal(err)
	}
	if err := Setup(conf); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	db := storage.DB()

	Convey("Given a clean database with a device", t, func() {
		test.MustResetDB(db.DB.DB)

		sp := storage.ServiceProfile{}
		So(storage.CreateServiceProfile(ctx, db, &sp), ShouldBeNil)

		dp := storage.DeviceProfile{}
		So(storage.CreateDeviceProfile(ctx, db, &dp), ShouldBeNil)

		rp := storage.RoutingProfile{}
		So(storage.CreateRoutingProfile(ctx, db, &rp), ShouldBeNil)

		d := storage.Device{
			DevEUI:           lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			ServiceProfileID: sp.ID,
			DeviceProfileID:  dp.ID,
			RoutingProfileID: rp.ID,
		}
		So(storage.CreateDevice(ctx, db, &d), ShouldBeNil)

		ds := storage.DeviceSession{
			DevEUI:  d.DevEUI,
			DevAddr: lorawan.DevAddr{1, 2, 3, 4},
		}

		// rxTime is pinned at a known GPS-epoch-second count so every
		// test-case's DeviceTime can be expressed relative to it.
		rxTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		nowSeconds := uint32(gps.Time(rxTime).TimeSinceGPSEpoch() / time.Second)

		tests := []struct {
			Name       string
			Req        lwclocksync.AppTimeReqPayload
			ExpectsAns bool
			ExpectedTC int32
		}{
			{
				Name: "device in sync, no answer required",
				Req: lwclocksync.AppTimeReqPayload{
					DeviceTime: nowSeconds,
					Param:      lwclocksync.AppTimeReqPayloadParam{TokenReq: 8, AnsRequired: false},
				},
				ExpectsAns: false,
			},
			{
				Name: "device in sync, answer required",
				Req: lwclocksync.AppTimeReqPayload{
					DeviceTime: nowSeconds,
					Param:      lwclocksync.AppTimeReqPayloadParam{TokenReq: 8, AnsRequired: true},
				},
				ExpectsAns: true,
				ExpectedTC: 0,
			},
			{
				Name: "device clock behind, no answer requested",
				Req: lwclocksync.AppTimeReqPayload{
					DeviceTime: nowSeconds - 60,
					Param:      lwclocksync.AppTimeReqPayloadParam{TokenReq: 3, AnsRequired: false},
				},
				ExpectsAns: true,
				ExpectedTC: 60,
			},
		}

		for _, tst := range tests {
			Convey(tst.Name, func() {
				So(storage.FlushDeviceQueueForDevEUI(ctx, db, d.DevEUI), ShouldBeNil)

				req := lwclocksync.Command{CID: lwclocksync.AppTimeReq, Payload: &tst.Req}
				b, err := req.MarshalBinary()
				So(err, ShouldBeNil)

				So(HandleUplink(ctx, db, ds, rxTime, b), ShouldBeNil)

				items, err := storage.GetDeviceQueueItemsForDevEUI(ctx, db, d.DevEUI)
				So(err, ShouldBeNil)

				if !tst.ExpectsAns {
					So(items, ShouldHaveLength, 0)
					return
				}

				So(items, ShouldHaveLength, 1)
				So(items[0].FPort, ShouldEqual, fPort)

				var ans lwclocksync.Command
				So(ans.UnmarshalBinary(false, items[0].FRMPayload), ShouldBeNil)
				So(ans.CID, ShouldEqual, lwclocksync.AppTimeAns)

				pl, ok := ans.Payload.(*lwclocksync.AppTimeAnsPayload)
				So(ok, ShouldBeTrue)
				So(pl.TimeCorrection, ShouldEqual, tst.ExpectedTC)
				So(pl.Param.TokenAns, ShouldEqual, tst.Req.Param.TokenReq)
			})
		}
	})
}
