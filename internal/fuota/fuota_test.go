package fuota

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan/applayer/multicastsetup"
)

func TestFragmentPlan(t *testing.T) {
	Convey("Given a deployment payload and frag-size", t, func() {
		tests := []struct {
			Name            string
			Payload         []byte
			FragSize        int
			ExpectedNbFrag  int
			ExpectedPadding int
		}{
			{
				Name:            "exact multiple",
				Payload:         make([]byte, 20),
				FragSize:        10,
				ExpectedNbFrag:  2,
				ExpectedPadding: 0,
			},
			{
				Name:            "needs padding",
				Payload:         make([]byte, 25),
				FragSize:        10,
				ExpectedNbFrag:  3,
				ExpectedPadding: 5,
			},
			{
				Name:            "smaller than one fragment",
				Payload:         make([]byte, 3),
				FragSize:        10,
				ExpectedNbFrag:  1,
				ExpectedPadding: 7,
			},
		}

		for _, test := range tests {
			Convey(test.Name, func() {
				fd := &storage.FUOTADeployment{Payload: test.Payload, FragSize: test.FragSize}
				nbFrag, fragSize, padding := fragmentPlan(fd)
				So(nbFrag, ShouldEqual, test.ExpectedNbFrag)
				So(fragSize, ShouldEqual, test.FragSize)
				So(padding, ShouldEqual, test.ExpectedPadding)
			})
		}
	})
}

func TestBuildFragments(t *testing.T) {
	Convey("Given a deployment with no redundancy", t, func() {
		fd := &storage.FUOTADeployment{
			Payload:              []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			FragSize:             5,
			RedundancyPercentage: 0,
		}

		Convey("Then buildFragments returns only the data fragments", func() {
			frags := buildFragments(fd)
			So(frags, ShouldHaveLength, 2)
			So(frags[0], ShouldResemble, []byte{1, 2, 3, 4, 5})
			So(frags[1], ShouldResemble, []byte{6, 7, 8, 9, 10})
		})
	})

	Convey("Given a deployment with redundancy configured", t, func() {
		fd := &storage.FUOTADeployment{
			Payload:              []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			FragSize:             5,
			RedundancyPercentage: 50,
		}

		Convey("Then buildFragments appends the expected number of parity fragments", func() {
			frags := buildFragments(fd)
			// 2 data fragments + ceil(2*50/100) = 1 parity fragment.
			So(frags, ShouldHaveLength, 3)
			So(frags[2], ShouldHaveLength, fd.FragSize)
		})
	})

	Convey("Given a payload that needs padding", t, func() {
		fd := &storage.FUOTADeployment{
			Payload:  []byte{1, 2, 3},
			FragSize: 5,
		}

		Convey("Then the last data fragment is zero-padded", func() {
			frags := buildFragments(fd)
			So(frags, ShouldHaveLength, 1)
			So(frags[0], ShouldResemble, []byte{1, 2, 3, 0, 0})
		})
	})
}

func TestMaxRetryCountForJob(t *testing.T) {
	Convey("Given a deployment with a unicast max-retry-count", t, func() {
		fd := storage.FUOTADeployment{UnicastMaxRetryCount: 5}

		Convey("Then the unicast setup steps use it", func() {
			So(maxRetryCountForJob(fd, storage.FUOTAJobMcGroupSetup), ShouldEqual, 5)
			So(maxRetryCountForJob(fd, storage.FUOTAJobFragSessionSetup), ShouldEqual, 5)
			So(maxRetryCountForJob(fd, storage.FUOTAJobMcSession), ShouldEqual, 5)
		})

		Convey("Then every other step always runs exactly once", func() {
			So(maxRetryCountForJob(fd, storage.FUOTAJobCreateMcGroup), ShouldEqual, 0)
			So(maxRetryCountForJob(fd, storage.FUOTAJobAddDevsToMcGroup), ShouldEqual, 0)
			So(maxRetryCountForJob(fd, storage.FUOTAJobAddGwsToMcGroup), ShouldEqual, 0)
			So(maxRetryCountForJob(fd, storage.FUOTAJobEnqueue), ShouldEqual, 0)
			So(maxRetryCountForJob(fd, storage.FUOTAJobFragStatus), ShouldEqual, 0)
			So(maxRetryCountForJob(fd, storage.FUOTAJobComplete), ShouldEqual, 0)
		})
	})
}

func TestMcSessionReq(t *testing.T) {
	Convey("Given a class-C deployment", t, func() {
		fd := &storage.FUOTADeployment{
			GroupType: storage.MulticastGroupC,
			Frequency: 868100000,
			DR:        3,
			Timeout:   4,
		}

		Convey("Then mcSessionReq builds a McClassCSessionReq command", func() {
			cmd, err := mcSessionReq(fd, 1000)
			So(err, ShouldBeNil)
			So(cmd.CID, ShouldEqual, multicastsetup.McClassCSessionReq)
		})
	})

	Convey("Given a class-B deployment", t, func() {
		fd := &storage.FUOTADeployment{
			GroupType:         storage.MulticastGroupB,
			Frequency:         868100000,
			DR:                3,
			Timeout:           4,
			ClassBPingSlotNbK: 2,
		}

		Convey("Then mcSessionReq builds a McClassBSessionReq command whose SessionTime is 128s-aligned", func() {
			cmd, err := mcSessionReq(fd, 1000)
			So(err, ShouldBeNil)
			So(cmd.CID, ShouldEqual, multicastsetup.McClassBSessionReq)

			payload, ok := cmd.Payload.(*multicastsetup.McClassBSessionReqPayload)
			So(ok, ShouldBeTrue)
			So(payload.SessionTime%128, ShouldEqual, 0)
		})
	})

	Convey("Given an unsupported group-type", t, func() {
		fd := &storage.FUOTADeployment{GroupType: "X"}

		Convey("Then mcSessionReq returns an error", func() {
			_, err := mcSessionReq(fd, 1000)
			So(err, ShouldNotBeNil)
		})
	})
}
