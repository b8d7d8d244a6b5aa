package storage

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/chirpstack-network-server/internal/test"
	"github.com/brocaar/lorawan"
)

func TestFUOTADeployment(t *testing.T) {
	conf := test.GetConfig()
	if err := Setup(conf); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	Convey("Given a clean database with an application, device-profile and device", t, func() {
		test.MustResetDB(DB().DB.DB)

		sp := ServiceProfile{}
		So(CreateServiceProfile(ctx, db, &sp), ShouldBeNil)

		dp := DeviceProfile{}
		So(CreateDeviceProfile(ctx, db, &dp), ShouldBeNil)

		rp := RoutingProfile{}
		So(CreateRoutingProfile(ctx, db, &rp), ShouldBeNil)

		d := Device{
			DevEUI:           lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			ServiceProfileID: sp.ID,
			DeviceProfileID:  dp.ID,
			RoutingProfileID: rp.ID,
		}
		So(CreateDevice(ctx, db, &d), ShouldBeNil)

		gatewayID := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}

		Convey("When creating a fuota-deployment", func() {
			fd := FUOTADeployment{
				DeviceProfileID:      dp.ID,
				Name:                 "test-deployment",
				MulticastAddr:        lorawan.DevAddr{1, 2, 3, 4},
				MulticastKey:         lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
				GroupType:            MulticastGroupC,
				Frequency:            868100000,
				DR:                   0,
				UnicastMaxRetryCount: 3,
				FragSize:             10,
				RedundancyPercentage: 10,
				Payload:              []byte{1, 2, 3, 4, 5},
			}
			So(CreateFUOTADeployment(ctx, db, &fd), ShouldBeNil)

			Convey("Then it can be fetched", func() {
				fdGet, err := GetFUOTADeployment(ctx, db, fd.ID)
				So(err, ShouldBeNil)
				So(fdGet.Name, ShouldEqual, fd.Name)
				So(fdGet.MulticastGroupID.Valid, ShouldBeFalse)
			})

			Convey("When adding a target device and gateway", func() {
				So(AddFUOTADeploymentDevice(ctx, db, fd.ID, d.DevEUI), ShouldBeNil)
				So(AddFUOTADeploymentGateway(ctx, db, fd.ID, gatewayID), ShouldBeNil)

				Convey("Then they can be fetched back", func() {
					devices, err := GetFUOTADeploymentDevices(ctx, db, fd.ID)
					So(err, ShouldBeNil)
					So(devices, ShouldHaveLength, 1)
					So(devices[0].DevEUI, ShouldEqual, d.DevEUI)
					So(devices[0].McGroupSetupCompletedAt, ShouldBeNil)

					gateways, err := GetFUOTADeploymentGateways(ctx, db, fd.ID)
					So(err, ShouldBeNil)
					So(gateways, ShouldResemble, []lorawan.EUI64{gatewayID})
				})

				Convey("When marking the mc_group_setup step timed out", func() {
					So(SetFUOTADeploymentDevicesTimedOut(ctx, db, fd.ID, FUOTAStepMcGroupSetup), ShouldBeNil)

					devices, err := GetFUOTADeploymentDevices(ctx, db, fd.ID)
					So(err, ShouldBeNil)
					So(devices[0].McGroupSetupError, ShouldBeTrue)
					So(devices[0].McGroupSetupCompletedAt, ShouldBeNil)
				})

				Convey("When marking the mc_group_setup step completed", func() {
					So(SetFUOTADeploymentDevicesCompleted(ctx, db, fd.ID, FUOTAStepMcGroupSetup), ShouldBeNil)

					devices, err := GetFUOTADeploymentDevices(ctx, db, fd.ID)
					So(err, ShouldBeNil)
					So(devices[0].McGroupSetupCompletedAt, ShouldNotBeNil)
				})
			})

			Convey("When setting its multicast-group id", func() {
				mg := MulticastGroup{
					ApplicationID: sp.ID,
					Name:          "fuota-mg",
					McAddr:        fd.MulticastAddr,
					GroupType:     MulticastGroupC,
				}
				So(CreateMulticastGroup(ctx, db, &mg), ShouldBeNil)
				So(SetFUOTADeploymentMulticastGroupID(ctx, db, fd.ID, mg.ID), ShouldBeNil)

				fdGet, err := GetFUOTADeployment(ctx, db, fd.ID)
				So(err, ShouldBeNil)
				So(fdGet.MulticastGroupID.Valid, ShouldBeTrue)
				So(fdGet.MulticastGroupID.UUID, ShouldEqual, mg.ID)
			})

			Convey("When marking it completed", func() {
				So(SetFUOTADeploymentCompleted(ctx, db, fd.ID), ShouldBeNil)

				fdGet, err := GetFUOTADeployment(ctx, db, fd.ID)
				So(err, ShouldBeNil)
				So(fdGet.CompletedAt, ShouldNotBeNil)
			})

			Convey("Given a scheduled job", func() {
				job := FUOTADeploymentJobRecord{
					FUOTADeploymentID: fd.ID,
					Job:               FUOTAJobCreateMcGroup,
					SchedulerRunAfter: time.Now().Add(-time.Minute),
				}
				So(CreateFUOTADeploymentJob(ctx, db, &job), ShouldBeNil)

				Convey("Then it is returned by GetSchedulableFUOTADeploymentJobs", func() {
					jobs, err := GetSchedulableFUOTADeploymentJobs(ctx, db, 10)
					So(err, ShouldBeNil)
					So(jobs, ShouldHaveLength, 1)
					So(jobs[0].Job, ShouldEqual, FUOTAJobCreateMcGroup)
				})

				Convey("Once completed, it is no longer schedulable", func() {
					now := time.Now()
					job.CompletedAt = &now
					So(UpdateFUOTADeploymentJob(ctx, db, &job), ShouldBeNil)

					jobs, err := GetSchedulableFUOTADeploymentJobs(ctx, db, 10)
					So(err, ShouldBeNil)
					So(jobs, ShouldHaveLength, 0)
				})

				Convey("Rescheduled into the future, it is no longer immediately schedulable", func() {
					job.SchedulerRunAfter = time.Now().Add(time.Hour)
					job.ErrorMsg = "boom"
					So(UpdateFUOTADeploymentJob(ctx, db, &job), ShouldBeNil)

					jobs, err := GetSchedulableFUOTADeploymentJobs(ctx, db, 10)
					So(err, ShouldBeNil)
					So(jobs, ShouldHaveLength, 0)
				})
			})
		})
	})
}
