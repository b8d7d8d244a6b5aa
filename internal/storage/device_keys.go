package storage

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/brocaar/lorawan"
)

// DeviceKeys holds the root keys used for local OTAA key derivation (spec
// §4.5) and the JoinNonce counter used for 1.1 session-key derivation.
type DeviceKeys struct {
	DevEUI    lorawan.EUI64     `db:"dev_eui"`
	NwkKey    lorawan.AES128Key `db:"nwk_key"`
	AppKey    lorawan.AES128Key `db:"app_key"`
	JoinNonce int               `db:"join_nonce"`
}

// CreateDeviceKeys creates the given device-keys record.
func CreateDeviceKeys(ctx context.Context, db sqlx.Ext, dk *DeviceKeys) error {
	_, err := db.Exec(`
		insert into device_keys (
			dev_eui, nwk_key, app_key, join_nonce
		) values ($1, $2, $3, $4)`,
		dk.DevEUI[:], dk.NwkKey[:], dk.AppKey[:], dk.JoinNonce,
	)
	if err != nil {
		return handlePSQLError(err, "insert device-keys error")
	}
	return nil
}

// GetDeviceKeys returns the device-keys for the given DevEUI.
func GetDeviceKeys(ctx context.Context, db sqlx.Queryer, devEUI lorawan.EUI64) (DeviceKeys, error) {
	var dk DeviceKeys
	err := sqlx.Get(db, &dk, "select * from device_keys where dev_eui = $1", devEUI[:])
	if err != nil {
		return dk, handlePSQLError(err, "select device-keys error")
	}
	return dk, nil
}

// UpdateDeviceKeys updates the given device-keys record.
func UpdateDeviceKeys(ctx context.Context, db sqlx.Ext, dk *DeviceKeys) error {
	res, err := db.Exec(`
		update device_keys set
			nwk_key = $2,
			app_key = $3,
			join_nonce = $4
		where dev_eui = $1`,
		dk.DevEUI[:], dk.NwkKey[:], dk.AppKey[:], dk.JoinNonce,
	)
	if err != nil {
		return handlePSQLError(err, "update device-keys error")
	}
	return errIfNoneAffected(res)
}
