// Package roaming implements this network server's sNS role in passive
// roaming (spec §4.11): the inbound Backend Interfaces endpoint a partner
// fNS calls with PRStartReq (first contact for a DevAddr we own), XmitDataReq
// (forwarding a subsequent uplink once PRStartAns handed back session
// keys) and PRStopReq (releasing the fNS's cached session early).
//
// The request/response dispatch mirrors the upstream join-server handler's
// shape (one http.Handler, message-type switch, per-type error payload).
package roaming

import (
	"context"
	"crypto/aes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	keywrap "github.com/NickBall/go-aes-key-wrap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	nsroaming "github.com/brocaar/chirpstack-network-server/internal/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	uplinkdata "github.com/brocaar/chirpstack-network-server/internal/uplink/data"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

const defaultLifetime = 60 // seconds, used when the peer has no configured lifetime

type api struct {
	netID lorawan.NetID
}

// NewAPI returns the http.Handler that answers passive-roaming requests
// from other network servers, addressed to netID.
func NewAPI(netID lorawan.NetID) http.Handler {
	return &api{netID: netID}
}

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, err := ioutil.ReadAll(r.Body)
	if err != nil {
		a.returnError(w, backend.BasePayload{}, backend.Other, "read body error")
		return
	}

	var basePL backend.BasePayload
	if err := json.Unmarshal(b, &basePL); err != nil {
		a.returnError(w, backend.BasePayload{}, backend.MalformedRequest, err.Error())
		return
	}

	log.WithFields(log.Fields{
		"message_type":   basePL.MessageType,
		"sender_id":      basePL.SenderID,
		"transaction_id": basePL.TransactionID,
	}).Info("api/roaming: request received")

	switch basePL.MessageType {
	case backend.PRStartReq:
		a.handlePRStartReq(w, b)
	case backend.XmitDataReq:
		a.handleXmitDataReq(w, b)
	case backend.PRStopReq:
		a.handlePRStopReq(w, b)
	default:
		a.returnError(w, basePL, backend.Other, fmt.Sprintf("unsupported message-type: %s", basePL.MessageType))
	}
}

func (a *api) handlePRStartReq(w http.ResponseWriter, b []byte) {
	var req backend.PRStartReqPayload
	if err := json.Unmarshal(b, &req); err != nil {
		a.returnError(w, backend.BasePayload{}, backend.MalformedRequest, err.Error())
		return
	}

	ds, fullFCnt, err := a.resolveSession(req.PHYPayload, req.ULMetaData)
	if err != nil {
		a.returnPRStartError(w, req.BasePayload, resultCodeFor(err), err.Error())
		return
	}

	rxPacket, err := a.rxPacketFromUL(req.PHYPayload, req.ULMetaData)
	if err != nil {
		a.returnPRStartError(w, req.BasePayload, backend.MalformedRequest, err.Error())
		return
	}
	if err := uplinkdata.Handle(context.Background(), rxPacket); err != nil {
		log.WithError(err).Error("api/roaming: handle forwarded uplink error")
	}

	senderNetID, keyEnv, err := a.keyEnvelopeFor(req.SenderID, ds)
	if err != nil {
		a.returnPRStartError(w, req.BasePayload, backend.Other, err.Error())
		return
	}

	lifetime := defaultLifetime
	if s, ok := nsroaming.ServerConfigForNetID(senderNetID); ok && s.PassiveRoamingLifetime > 0 {
		lifetime = int(s.PassiveRoamingLifetime.Seconds())
	}

	devEUI := ds.DevEUI
	devAddr := ds.DevAddr

	ans := backend.PRStartAnsPayload{
		BasePayloadResult: a.result(req.BasePayload, backend.PRStartAns, backend.Success, ""),
		DevEUI:            &devEUI,
		DevAddr:           &devAddr,
		Lifetime:          &lifetime,
		FCntUp:            &fullFCnt,
		NwkSKey:           keyEnv,
	}
	if ds.GetMACVersion() == lorawan.LoRaWAN1_1 {
		ans.NwkSKey = nil
		ans.FNwkSIntKey = keyEnv
	}

	a.returnPayload(w, http.StatusOK, ans)
}

func (a *api) handleXmitDataReq(w http.ResponseWriter, b []byte) {
	var req backend.XmitDataReqPayload
	if err := json.Unmarshal(b, &req); err != nil {
		a.returnError(w, backend.BasePayload{}, backend.MalformedRequest, err.Error())
		return
	}

	if req.ULMetaData == nil {
		a.returnXmitDataError(w, req.BasePayload, backend.MalformedRequest, "missing ulmetadata")
		return
	}

	if _, _, err := a.resolveSession(req.PHYPayload, *req.ULMetaData); err != nil {
		a.returnXmitDataError(w, req.BasePayload, resultCodeFor(err), err.Error())
		return
	}

	rxPacket, err := a.rxPacketFromUL(req.PHYPayload, *req.ULMetaData)
	if err != nil {
		a.returnXmitDataError(w, req.BasePayload, backend.MalformedRequest, err.Error())
		return
	}
	if err := uplinkdata.Handle(context.Background(), rxPacket); err != nil {
		log.WithError(err).Error("api/roaming: handle forwarded uplink error")
	}

	ans := backend.XmitDataAnsPayload{
		BasePayloadResult: a.result(req.BasePayload, backend.XmitDataAns, backend.Success, ""),
	}
	a.returnPayload(w, http.StatusOK, ans)
}

func (a *api) handlePRStopReq(w http.ResponseWriter, b []byte) {
	var req backend.PRStopReqPayload
	if err := json.Unmarshal(b, &req); err != nil {
		a.returnError(w, backend.BasePayload{}, backend.MalformedRequest, err.Error())
		return
	}

	// This network server keeps no sNS-side bookkeeping of which fNS holds
	// which DevAddr, so there is nothing to release locally; ack and move
	// on.
	ans := backend.PRStopAnsPayload{
		BasePayloadResult: a.result(req.BasePayload, backend.PRStopAns, backend.Success, ""),
	}
	a.returnPayload(w, http.StatusOK, ans)
}

// resolveSession validates phyPayload's MIC against the locally known
// device-session for its DevAddr, the same way the Data Uplink Handler
// resolves a directly-received frame. It returns the full 32 bit uplink
// frame-counter alongside the session (a side-effect of MIC validation).
func (a *api) resolveSession(phyB []byte, ul backend.ULMetaData) (storage.DeviceSession, uint32, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(phyB); err != nil {
		return storage.DeviceSession{}, 0, errors.Wrap(err, "unmarshal phypayload error")
	}

	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return storage.DeviceSession{}, 0, errors.New("expected data uplink mac-payload")
	}

	dr := 0
	if ul.DataRate != nil {
		dr = *ul.DataRate
	}

	txCh := 0
	if ul.ULFreq != nil {
		freqHz := int(*ul.ULFreq * 1000000)
		if ch, err := band.Band().GetUplinkChannelIndex(freqHz, true); err == nil {
			txCh = ch
		} else if ch, err := band.Band().GetUplinkChannelIndex(freqHz, false); err == nil {
			txCh = ch
		}
	}

	ds, err := storage.GetDeviceSessionForPHYPayload(context.Background(), storage.RedisPool(), phy, dr, txCh)
	if err != nil {
		return storage.DeviceSession{}, 0, err
	}

	return ds, macPL.FHDR.FCnt, nil
}

// rxPacketFromUL rebuilds the models.RXPacket the Data Uplink Handler
// expects from a PRStartReq/XmitDataReq's PHYPayload and ULMetaData, using
// the per-gateway ULToken (round-tripped via internal/roaming's ULToken
// encoding) when the fNS echoed one back, or a synthetic rx-info entry
// built from the GWInfoElement fields otherwise.
func (a *api) rxPacketFromUL(phyB []byte, ul backend.ULMetaData) (models.RXPacket, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(phyB); err != nil {
		return models.RXPacket{}, errors.Wrap(err, "unmarshal phypayload error")
	}

	var freqHz uint32
	if ul.ULFreq != nil {
		freqHz = uint32(*ul.ULFreq * 1000000)
	}

	dr := 0
	if ul.DataRate != nil {
		dr = *ul.DataRate
	}

	var rxInfoSet []*gw.UplinkRXInfo
	for _, info := range ul.GWInfo {
		if len(info.ULToken) > 0 {
			if rxInfo, err := nsroaming.GWInfoToRXInfo(info.ULToken); err == nil {
				rxInfoSet = append(rxInfoSet, rxInfo)
				continue
			}
		}

		rxInfo := &gw.UplinkRXInfo{GatewayId: info.ID}
		if info.RSSI != nil {
			rxInfo.Rssi = int32(*info.RSSI)
		}
		if info.SNR != nil {
			rxInfo.LoraSnr = *info.SNR
		}
		rxInfoSet = append(rxInfoSet, rxInfo)
	}

	return models.RXPacket{
		PHYPayload: phy,
		TXInfo:     &gw.UplinkTXInfo{Frequency: freqHz},
		RXInfoSet:  rxInfoSet,
		DR:         dr,
	}, nil
}

// keyEnvelopeFor wraps ds's network session key with the KEK this network
// server shares with the fNS identified by senderID (its own NetID), falling
// back to an unwrapped envelope when no KEK is configured for that peer.
func (a *api) keyEnvelopeFor(senderID string, ds storage.DeviceSession) (lorawan.NetID, *backend.KeyEnvelope, error) {
	var senderNetID lorawan.NetID
	if err := senderNetID.UnmarshalText([]byte(senderID)); err != nil {
		return senderNetID, nil, errors.Wrap(err, "unmarshal sender net-id error")
	}

	key := ds.FNwkSIntKey

	s, ok := nsroaming.ServerConfigForNetID(senderNetID)
	if !ok || s.PassiveRoamingKEKLabel == "" || s.PassiveRoamingKEKKey == "" {
		return senderNetID, &backend.KeyEnvelope{AESKey: backend.HEXBytes(key[:])}, nil
	}

	kek, err := hex.DecodeString(s.PassiveRoamingKEKKey)
	if err != nil {
		return senderNetID, nil, errors.Wrap(err, "decode kek error")
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return senderNetID, nil, errors.Wrap(err, "new cipher error")
	}

	wrapped, err := keywrap.Wrap(block, key[:])
	if err != nil {
		return senderNetID, nil, errors.Wrap(err, "key wrap error")
	}

	return senderNetID, &backend.KeyEnvelope{
		KEKLabel: s.PassiveRoamingKEKLabel,
		AESKey:   backend.HEXBytes(wrapped),
	}, nil
}

func resultCodeFor(err error) backend.ResultCode {
	if errors.Cause(err) == storage.ErrDoesNotExistOrFCntOrMICInvalid {
		return backend.UnknownDevAddr
	}
	return backend.Other
}

func (a *api) result(basePL backend.BasePayload, mt backend.MessageType, rc backend.ResultCode, msg string) backend.BasePayloadResult {
	return backend.BasePayloadResult{
		BasePayload: backend.BasePayload{
			ProtocolVersion: backend.ProtocolVersion1_0,
			SenderID:        basePL.ReceiverID,
			ReceiverID:      basePL.SenderID,
			TransactionID:   basePL.TransactionID,
			MessageType:     mt,
		},
		Result: backend.Result{
			ResultCode:  rc,
			Description: msg,
		},
	}
}

func (a *api) returnError(w http.ResponseWriter, basePL backend.BasePayload, rc backend.ResultCode, msg string) {
	log.WithField("error", msg).Error("api/roaming: error handling request")
	w.WriteHeader(http.StatusBadRequest)
	b, err := json.Marshal(backend.Result{ResultCode: rc, Description: msg})
	if err != nil {
		log.WithError(err).Error("api/roaming: marshal json error")
		return
	}
	w.Write(b)
}

func (a *api) returnPRStartError(w http.ResponseWriter, basePL backend.BasePayload, rc backend.ResultCode, msg string) {
	a.returnPayload(w, http.StatusOK, backend.PRStartAnsPayload{
		BasePayloadResult: a.result(basePL, backend.PRStartAns, rc, msg),
	})
}

func (a *api) returnXmitDataError(w http.ResponseWriter, basePL backend.BasePayload, rc backend.ResultCode, msg string) {
	a.returnPayload(w, http.StatusOK, backend.XmitDataAnsPayload{
		BasePayloadResult: a.result(basePL, backend.XmitDataAns, rc, msg),
	})
}

func (a *api) returnPayload(w http.ResponseWriter, code int, pl interface{}) {
	b, err := json.Marshal(pl)
	if err != nil {
		log.WithError(err).Error("api/roaming: marshal json error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(code)
	w.Write(b)
}
