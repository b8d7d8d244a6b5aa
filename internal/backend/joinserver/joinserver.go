// Package joinserver resolves the join-server responsible for a JoinEUI
// (spec §4.5): either this network server's own local key store, or an
// external join-server reached over Backend Interfaces HTTP.
package joinserver

import (
	"context"
	"crypto/aes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-network-server/internal/api/client/jsclient"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

var (
	defaultServer string
	servers       []config.JoinServerItem
	pool          = jsclient.NewPool()
)

// Setup configures the join-server routing table from the given config.
func Setup(conf config.Config) error {
	defaultServer = conf.JoinServer.Default.Server
	servers = conf.JoinServer.Servers
	return nil
}

// KeyDerivationResult holds everything the join handler needs from a
// successful join, regardless of whether it was derived locally or
// returned by an external join-server.
type KeyDerivationResult struct {
	PHYPayload  lorawan.PHYPayload
	NwkSKey     lorawan.AES128Key
	AppSKey     *backend.KeyEnvelope
	FNwkSIntKey lorawan.AES128Key
	SNwkSIntKey lorawan.AES128Key
	NwkSEncKey  lorawan.AES128Key
}

// HandleJoinRequest resolves the join-server for joinEUI and returns the
// derived (or forwarded) session-key material. devAddr must already be
// allocated by the caller (the network server owns DevAddr assignment).
func HandleJoinRequest(ctx context.Context, phy lorawan.PHYPayload, netID lorawan.NetID, joinEUI, devEUI lorawan.EUI64, devAddr lorawan.DevAddr) (KeyDerivationResult, error) {
	item := serverFor(joinEUI)

	if item.Server == "" {
		return handleLocal(ctx, phy, netID, joinEUI, devEUI, devAddr)
	}

	return handleExternal(ctx, item, phy, netID, joinEUI, devEUI, devAddr)
}

// GetClientForJoinEUI returns the Backend Interfaces HTTP client for the
// join-server responsible for joinEUI (its explicit routing entry, or the
// default join-server).
func GetClientForJoinEUI(joinEUI lorawan.EUI64) (jsclient.Client, error) {
	item := serverFor(joinEUI)
	if item.Server == "" {
		return nil, errors.New("joinserver: no join-server configured for join-eui")
	}
	return pool.Get(item.Server, []byte(item.CACert), []byte(item.TLSCert), []byte(item.TLSKey))
}

func serverFor(joinEUI lorawan.EUI64) config.JoinServerItem {
	for _, s := range servers {
		var eui lorawan.EUI64
		if err := eui.UnmarshalText([]byte(s.JoinEUI)); err == nil && eui == joinEUI {
			return s
		}
	}
	return config.JoinServerItem{Server: defaultServer}
}

func handleLocal(ctx context.Context, phy lorawan.PHYPayload, netID lorawan.NetID, joinEUI, devEUI lorawan.EUI64, devAddr lorawan.DevAddr) (KeyDerivationResult, error) {
	var out KeyDerivationResult

	jrPL, ok := phy.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		return out, errors.Errorf("expected *lorawan.JoinRequestPayload, got %T", phy.MACPayload)
	}

	dk, err := storage.GetDeviceKeys(ctx, storage.DB(), devEUI)
	if err != nil {
		return out, errors.Wrap(err, "get device-keys error")
	}

	micOK, err := phy.ValidateUplinkJoinMIC(dk.NwkKey)
	if err != nil {
		return out, errors.Wrap(err, "validate join-request mic error")
	}
	if !micOK {
		return out, errors.New("invalid join-request mic")
	}

	dk.JoinNonce++
	if dk.JoinNonce > (1<<24)-1 {
		return out, errors.New("join-nonce overflow")
	}
	if err := storage.UpdateDeviceKeys(ctx, storage.DB(), &dk); err != nil {
		return out, errors.Wrap(err, "update device-keys error")
	}
	joinNonce := lorawan.JoinNonce(dk.JoinNonce)

	// LoRaWAN 1.1 OptNeg key derivation is selected by the device's MAC
	// version, not by anything carried in the join-request PHY; local
	// key derivation here only implements the 1.0.x rules.
	const optNeg = false

	out.FNwkSIntKey, err = deriveSessionKey(optNeg, 0x01, dk.NwkKey, netID, joinEUI, joinNonce, jrPL.DevNonce)
	if err != nil {
		return out, err
	}
	out.SNwkSIntKey, err = deriveSessionKey(optNeg, 0x03, dk.NwkKey, netID, joinEUI, joinNonce, jrPL.DevNonce)
	if err != nil {
		return out, err
	}
	out.NwkSEncKey, err = deriveSessionKey(optNeg, 0x04, dk.NwkKey, netID, joinEUI, joinNonce, jrPL.DevNonce)
	if err != nil {
		return out, err
	}
	out.NwkSKey = out.FNwkSIntKey

	appKey := dk.NwkKey
	if optNeg {
		appKey = dk.AppKey
	}
	appSKey, err := deriveSessionKey(optNeg, 0x02, appKey, netID, joinEUI, joinNonce, jrPL.DevNonce)
	if err != nil {
		return out, err
	}
	out.AppSKey = &backend.KeyEnvelope{AESKey: backend.HEXBytes(appSKey[:])}

	out.PHYPayload, err = buildJoinAccept(dk.NwkKey, netID, joinEUI, devAddr, jrPL.DevNonce, joinNonce, optNeg)
	if err != nil {
		return out, err
	}

	return out, nil
}

func buildJoinAccept(nwkKey lorawan.AES128Key, netID lorawan.NetID, joinEUI lorawan.EUI64, devAddr lorawan.DevAddr, devNonce lorawan.DevNonce, joinNonce lorawan.JoinNonce, optNeg bool) (lorawan.PHYPayload, error) {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinAccept,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinAcceptPayload{
			JoinNonce: joinNonce,
			HomeNetID: netID,
			DevAddr:   devAddr,
			DLSettings: lorawan.DLSettings{
				OptNeg: optNeg,
			},
		},
	}

	if err := phy.SetDownlinkJoinMIC(lorawan.JoinRequestType, joinEUI, devNonce, nwkKey); err != nil {
		return phy, errors.Wrap(err, "set join-accept mic error")
	}
	if err := phy.EncryptJoinAcceptPayload(nwkKey); err != nil {
		return phy, errors.Wrap(err, "encrypt join-accept error")
	}

	return phy, nil
}

// deriveSessionKey implements the LoRaWAN 1.0.x / 1.1 session-key
// derivation function: AES-128 ECB-encrypt a 16-byte block keyed on the
// device's root key, built from the key type byte plus NetID/JoinEUI/
// JoinNonce/DevNonce.
func deriveSessionKey(optNeg bool, typ byte, key lorawan.AES128Key, netID lorawan.NetID, joinEUI lorawan.EUI64, joinNonce lorawan.JoinNonce, devNonce lorawan.DevNonce) (lorawan.AES128Key, error) {
	var out lorawan.AES128Key
	b := make([]byte, 16)
	b[0] = typ

	netIDB, err := netID.MarshalBinary()
	if err != nil {
		return out, err
	}
	joinEUIB, err := joinEUI.MarshalBinary()
	if err != nil {
		return out, err
	}
	joinNonceB, err := joinNonce.MarshalBinary()
	if err != nil {
		return out, err
	}
	devNonceB, err := devNonce.MarshalBinary()
	if err != nil {
		return out, err
	}

	if optNeg {
		copy(b[1:4], joinNonceB)
		copy(b[4:12], joinEUIB)
		copy(b[12:14], devNonceB)
	} else {
		copy(b[1:4], joinNonceB)
		copy(b[4:7], netIDB)
		copy(b[7:9], devNonceB)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, err
	}
	if block.BlockSize() != len(b) {
		return out, fmt.Errorf("joinserver: block-size of %d bytes is expected", len(b))
	}
	block.Encrypt(out[:], b)

	return out, nil
}

// RekeyForRejoin rederives session keys and builds a rejoin-accept locally,
// for use by the rejoin handler. Unlike HandleJoinRequest it never consults
// an external join-server: the Backend Interfaces RejoinReq message is not
// modeled by jsclient, so rejoin only works for locally-keyed devices. It
// reuses the join-request join-type constant for the rejoin-accept MIC as a
// simplification (the dedicated per-rejoin-type constants are not used).
func RekeyForRejoin(ctx context.Context, netID lorawan.NetID, joinEUI, devEUI lorawan.EUI64, devAddr lorawan.DevAddr, devNonce lorawan.DevNonce) (KeyDerivationResult, error) {
	var out KeyDerivationResult

	dk, err := storage.GetDeviceKeys(ctx, storage.DB(), devEUI)
	if err != nil {
		return out, errors.Wrap(err, "get device-keys error")
	}

	dk.JoinNonce++
	if dk.JoinNonce > (1<<24)-1 {
		return out, errors.New("join-nonce overflow")
	}
	if err := storage.UpdateDeviceKeys(ctx, storage.DB(), &dk); err != nil {
		return out, errors.Wrap(err, "update device-keys error")
	}
	joinNonce := lorawan.JoinNonce(dk.JoinNonce)

	const optNeg = false

	out.FNwkSIntKey, err = deriveSessionKey(optNeg, 0x01, dk.NwkKey, netID, joinEUI, joinNonce, devNonce)
	if err != nil {
		return out, err
	}
	out.SNwkSIntKey, err = deriveSessionKey(optNeg, 0x03, dk.NwkKey, netID, joinEUI, joinNonce, devNonce)
	if err != nil {
		return out, err
	}
	out.NwkSEncKey, err = deriveSessionKey(optNeg, 0x04, dk.NwkKey, netID, joinEUI, joinNonce, devNonce)
	if err != nil {
		return out, err
	}
	out.NwkSKey = out.FNwkSIntKey

	appSKey, err := deriveSessionKey(optNeg, 0x02, dk.NwkKey, netID, joinEUI, joinNonce, devNonce)
	if err != nil {
		return out, err
	}
	out.AppSKey = &backend.KeyEnvelope{AESKey: backend.HEXBytes(appSKey[:])}

	out.PHYPayload, err = buildJoinAccept(dk.NwkKey, netID, joinEUI, devAddr, devNonce, joinNonce, optNeg)
	if err != nil {
		return out, err
	}

	return out, nil
}

func handleExternal(ctx context.Context, item config.JoinServerItem, phy lorawan.PHYPayload, netID lorawan.NetID, joinEUI, devEUI lorawan.EUI64, devAddr lorawan.DevAddr) (KeyDerivationResult, error) {
	var out KeyDerivationResult

	phyB, err := phy.MarshalBinary()
	if err != nil {
		return out, errors.Wrap(err, "marshal phypayload error")
	}

	client, err := pool.Get(item.Server, []byte(item.CACert), []byte(item.TLSCert), []byte(item.TLSKey))
	if err != nil {
		return out, errors.Wrap(err, "get join-server client error")
	}

	ans, err := client.JoinRequest(ctx, backend.JoinReqPayload{
		BasePayload: backend.BasePayload{
			ProtocolVersion: backend.ProtocolVersion1_0,
			SenderID:        netID.String(),
			ReceiverID:      joinEUI.String(),
			MessageType:     backend.JoinReq,
		},
		MACVersion: "1.0.3",
		PHYPayload: backend.HEXBytes(phyB),
		DevEUI:     devEUI,
		DevAddr:    devAddr,
	})
	if err != nil {
		return out, errors.Wrap(err, "join-server request error")
	}
	if ans.Result.ResultCode != backend.Success {
		return out, errors.Errorf("join-server returned: %s: %s", ans.Result.ResultCode, ans.Result.Description)
	}

	if err := out.PHYPayload.UnmarshalBinary(ans.PHYPayload); err != nil {
		return out, errors.Wrap(err, "unmarshal join-accept phypayload error")
	}

	out.AppSKey = ans.AppSKey
	if ans.NwkSKey != nil {
		copy(out.NwkSKey[:], ans.NwkSKey.AESKey)
		out.FNwkSIntKey = out.NwkSKey
		out.SNwkSIntKey = out.NwkSKey
		out.NwkSEncKey = out.NwkSKey
	}
	if ans.FNwkSIntKey != nil {
		copy(out.FNwkSIntKey[:], ans.FNwkSIntKey.AESKey)
	}
	if ans.SNwkSIntKey != nil {
		copy(out.SNwkSIntKey[:], ans.SNwkSIntKey.AESKey)
	}
	if ans.NwkSEncKey != nil {
		copy(out.NwkSEncKey[:], ans.NwkSEncKey.AESKey)
	}

	return out, nil
}
