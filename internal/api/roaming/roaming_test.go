package roaming

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

func TestRoamingAPI(t *testing.T) {
	Convey("Given a roaming API instance", t, func() {
		var netID lorawan.NetID
		So(netID.UnmarshalText([]byte("000000")), ShouldBeNil)

		conf := config.Config{}
		conf.NetworkServer.NetID = "000000"
		So(roaming.Setup(conf), ShouldBeNil)

		a := NewAPI(netID)

		Convey("A malformed request body returns a MalformedRequest error", func() {
			req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte("{not-json")))
			w := httptest.NewRecorder()
			a.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, 400)

			var result backend.Result
			So(json.Unmarshal(w.Body.Bytes(), &result), ShouldBeNil)
			So(result.ResultCode, ShouldEqual, backend.MalformedRequest)
		})

		Convey("An unsupported message-type returns an Other error", func() {
			pl := backend.BasePayload{
				ProtocolVersion: backend.ProtocolVersion1_0,
				SenderID:        "000001",
				ReceiverID:      "000000",
				TransactionID:   1234,
				MessageType:     "UnknownReq",
			}
			b, err := json.Marshal(pl)
			So(err, ShouldBeNil)

			req := httptest.NewRequest("POST", "/", bytes.NewReader(b))
			w := httptest.NewRecorder()
			a.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, 400)

			var result backend.Result
			So(json.Unmarshal(w.Body.Bytes(), &result), ShouldBeNil)
			So(result.ResultCode, ShouldEqual, backend.Other)
		})

		Convey("A PRStopReq is acknowledged without local bookkeeping", func() {
			pl := backend.PRStopReqPayload{
				BasePayload: backend.BasePayload{
					ProtocolVersion: backend.ProtocolVersion1_0,
					SenderID:        "000001",
					ReceiverID:      "000000",
					TransactionID:   5678,
					MessageType:     backend.PRStopReq,
				},
			}
			b, err := json.Marshal(pl)
			So(err, ShouldBeNil)

			req := httptest.NewRequest("POST", "/", bytes.NewReader(b))
			w := httptest.NewRecorder()
			a.ServeHTTP(w, req)

			So(w.Code, ShouldEqual, 200)

			var ans backend.PRStopAnsPayload
			So(json.Unmarshal(w.Body.Bytes(), &ans), ShouldBeNil)
			So(ans.Result.ResultCode, ShouldEqual, backend.Success)
			So(ans.MessageType, ShouldEqual, backend.PRStopAns)
			So(ans.SenderID, ShouldEqual, "000000")
			So(ans.ReceiverID, ShouldEqual, "000001")
		})

		Convey("resultCodeFor maps an unknown DevAddr error to UnknownDevAddr", func() {
			So(resultCodeFor(storage.ErrDoesNotExistOrFCntOrMICInvalid), ShouldEqual, backend.UnknownDevAddr)
			So(resultCodeFor(storage.ErrDoesNotExist), ShouldEqual, backend.Other)
		})

		Convey("keyEnvelopeFor", func() {
			ds := storage.DeviceSession{
				FNwkSIntKey: lorawan.AES128Key{1, 2, 3, 4},
			}

			Convey("returns an unwrapped envelope when no KEK is configured for the peer", func() {
				senderNetID, env, err := a.(*api).keyEnvelopeFor("000001", ds)
				So(err, ShouldBeNil)
				So(senderNetID, ShouldResemble, func() lorawan.NetID {
					var n lorawan.NetID
					n.UnmarshalText([]byte("000001"))
					return n
				}())
				So(env.KEKLabel, ShouldEqual, "")
				So([]byte(env.AESKey), ShouldResemble, ds.FNwkSIntKey[:])
			})

			Convey("wraps the key under the peer's configured KEK", func() {
				conf := config.Config{}
				conf.NetworkServer.NetID = "000000"
				conf.Roaming.Servers = []config.RoamingServer{
					{
						NetID:                  "000001",
						PassiveRoamingKEKLabel: "kek-001",
						PassiveRoamingKEKKey:   "000102030405060708090a0b0c0d0e0f",
					},
				}
				So(roaming.Setup(conf), ShouldBeNil)

				_, env, err := a.(*api).keyEnvelopeFor("000001", ds)
				So(err, ShouldBeNil)
				So(env.KEKLabel, ShouldEqual, "kek-001")
				So([]byte(env.AESKey), ShouldNotResemble, ds.FNwkSIntKey[:])
			})
		})
	})
}
