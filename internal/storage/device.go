package storage

import (
	"context"
	"database/sql"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// ServiceProfile holds a subset of the LoRaWAN service-profile fields the
// network server needs to enforce (ADR/PR allowed, channel mask,
// nb-trans) — the remainder of the profile lives on the application server.
type ServiceProfile struct {
	ID               uuid.UUID `db:"id"`
	NwkGeoLoc        bool      `db:"nwk_geo_loc"`
	DevStatusReqFreq uint32    `db:"dev_status_req_freq"`
	ChannelMask      []byte    `db:"channel_mask"`
	PRAllowed        bool      `db:"pr_allowed"`
	HrAllowed        bool      `db:"hr_allowed"`
	RaAllowed        bool      `db:"ra_allowed"`
	NwkGeoLocAllowed bool      `db:"nwk_geo_loc_allowed"`
	TargetPER        uint32    `db:"target_per"`
	MinGWDiversity   uint32    `db:"min_gw_diversity"`
}

// CreateServiceProfile creates the given service-profile, assigning it a
// new id.
func CreateServiceProfile(ctx context.Context, db sqlx.Ext, sp *ServiceProfile) error {
	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}
	sp.ID = id

	_, err = db.Exec(`
		insert into service_profile (
			id, nwk_geo_loc, dev_status_req_freq, channel_mask, pr_allowed,
			hr_allowed, ra_allowed, nwk_geo_loc_allowed, target_per, min_gw_diversity
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sp.ID, sp.NwkGeoLoc, sp.DevStatusReqFreq, sp.ChannelMask, sp.PRAllowed,
		sp.HrAllowed, sp.RaAllowed, sp.NwkGeoLocAllowed, sp.TargetPER, sp.MinGWDiversity,
	)
	if err != nil {
		return handlePSQLError(err, "insert service-profile error")
	}

	return nil
}

// GetServiceProfile returns the service-profile for the given id.
func GetServiceProfile(ctx context.Context, db sqlx.Queryer, id uuid.UUID) (ServiceProfile, error) {
	var sp ServiceProfile
	err := sqlx.Get(db, &sp, "select * from service_profile where id = $1", id)
	if err != nil {
		return sp, handlePSQLError(err, "select service-profile error")
	}
	return sp, nil
}

// DeviceProfile holds the subset of the device-profile fields the network
// server needs (MAC version, band revision, class support, RX parameters).
type DeviceProfile struct {
	ID                 uuid.UUID `db:"id"`
	SupportsClassB     bool      `db:"supports_class_b"`
	ClassBTimeout      uint32    `db:"class_b_timeout"`
	PingSlotPeriod     uint32    `db:"ping_slot_period"`
	PingSlotDR         uint32    `db:"ping_slot_dr"`
	PingSlotFreq       uint32    `db:"ping_slot_freq"`
	SupportsClassC     bool      `db:"supports_class_c"`
	ClassCTimeout      uint32    `db:"class_c_timeout"`
	MACVersion         string    `db:"mac_version"`
	RegParamsRevision  string    `db:"reg_params_revision"`
	RXDelay1           uint32    `db:"rx_delay_1"`
	RXDROffset1        uint32    `db:"rx_dr_offset_1"`
	RXDataRate2        uint32    `db:"rx_data_rate_2"`
	RXFreq2            uint32    `db:"rx_freq_2"`
	FactoryPresetFreqs []uint32  `db:"factory_preset_freqs"`
	MaxEIRP            uint32    `db:"max_eirp"`
	MaxDutyCycle       uint32    `db:"max_duty_cycle"`
	SupportsJoin       bool      `db:"supports_join"`
	RFRegion           string    `db:"rf_region"`
	Supports32BitFCnt  bool      `db:"supports_32bit_fcnt"`
}

// CreateDeviceProfile creates the given device-profile, assigning it a new id.
func CreateDeviceProfile(ctx context.Context, db sqlx.Ext, dp *DeviceProfile) error {
	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}
	dp.ID = id

	_, err = db.Exec(`
		insert into device_profile (
			id, supports_class_b, class_b_timeout, ping_slot_period, ping_slot_dr,
			ping_slot_freq, supports_class_c, class_c_timeout, mac_version,
			reg_params_revision, rx_delay_1, rx_dr_offset_1, rx_data_rate_2, rx_freq_2,
			max_eirp, max_duty_cycle, supports_join, rf_region, supports_32bit_fcnt
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		dp.ID, dp.SupportsClassB, dp.ClassBTimeout, dp.PingSlotPeriod, dp.PingSlotDR,
		dp.PingSlotFreq, dp.SupportsClassC, dp.ClassCTimeout, dp.MACVersion,
		dp.RegParamsRevision, dp.RXDelay1, dp.RXDROffset1, dp.RXDataRate2, dp.RXFreq2,
		dp.MaxEIRP, dp.MaxDutyCycle, dp.SupportsJoin, dp.RFRegion, dp.Supports32BitFCnt,
	)
	if err != nil {
		return handlePSQLError(err, "insert device-profile error")
	}

	return nil
}

// GetDeviceProfile returns the device-profile for the given id.
func GetDeviceProfile(ctx context.Context, db sqlx.Queryer, id uuid.UUID) (DeviceProfile, error) {
	var dp DeviceProfile
	err := sqlx.Get(db, &dp, "select * from device_profile where id = $1", id)
	if err != nil {
		return dp, handlePSQLError(err, "select device-profile error")
	}
	return dp, nil
}

// RoutingProfile holds the application-server address a device's uplinks
// (and device-queue acks/errors) are routed to.
type RoutingProfile struct {
	ID             uuid.UUID `db:"id"`
	ASID           string    `db:"as_id"`
	CACert         string    `db:"ca_cert"`
	TLSCert        string    `db:"tls_cert"`
	TLSKey         string    `db:"tls_key"`
}

// CreateRoutingProfile creates the given routing-profile, assigning it a
// new id.
func CreateRoutingProfile(ctx context.Context, db sqlx.Ext, rp *RoutingProfile) error {
	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}
	rp.ID = id

	_, err = db.Exec(`
		insert into routing_profile (id, as_id, ca_cert, tls_cert, tls_key)
		values ($1, $2, $3, $4, $5)`,
		rp.ID, rp.ASID, rp.CACert, rp.TLSCert, rp.TLSKey,
	)
	if err != nil {
		return handlePSQLError(err, "insert routing-profile error")
	}

	return nil
}

// GetRoutingProfile returns the routing-profile for the given id.
func GetRoutingProfile(ctx context.Context, db sqlx.Queryer, id uuid.UUID) (RoutingProfile, error) {
	var rp RoutingProfile
	err := sqlx.Get(db, &rp, "select * from routing_profile where id = $1", id)
	if err != nil {
		return rp, handlePSQLError(err, "select routing-profile error")
	}
	return rp, nil
}

// DeviceMode indicates which LoRaWAN device class a device is currently
// expected to be reachable in for scheduled (network-initiated) downlinks.
type DeviceMode string

// Supported device modes.
const (
	DeviceModeA DeviceMode = "A"
	DeviceModeB DeviceMode = "B"
	DeviceModeC DeviceMode = "C"
)

// Device is a registered end-device, identified by its DevEUI.
type Device struct {
	DevEUI           lorawan.EUI64 `db:"dev_eui"`
	ServiceProfileID uuid.UUID     `db:"service_profile_id"`
	DeviceProfileID  uuid.UUID     `db:"device_profile_id"`
	RoutingProfileID uuid.UUID     `db:"routing_profile_id"`
	Mode             DeviceMode    `db:"mode"`
	IsDisabled       bool          `db:"is_disabled"`
}

// CreateDevice creates the given device.
func CreateDevice(ctx context.Context, db sqlx.Ext, d *Device) error {
	if d.Mode == "" {
		d.Mode = DeviceModeA
	}

	_, err := db.Exec(`
		insert into device (
			dev_eui, service_profile_id, device_profile_id, routing_profile_id, mode, is_disabled
		) values ($1, $2, $3, $4, $5, $6)`,
		d.DevEUI[:], d.ServiceProfileID, d.DeviceProfileID, d.RoutingProfileID, d.Mode, d.IsDisabled,
	)
	if err != nil {
		return handlePSQLError(err, "insert device error")
	}

	return nil
}

// GetDevice returns the device for the given DevEUI.
func GetDevice(ctx context.Context, db sqlx.Queryer, devEUI lorawan.EUI64) (Device, error) {
	var d Device
	err := sqlx.Get(db, &d, "select * from device where dev_eui = $1", devEUI[:])
	if err != nil {
		return d, handlePSQLError(err, "select device error")
	}
	return d, nil
}

// UpdateDevice updates the given device.
func UpdateDevice(ctx context.Context, db sqlx.Ext, d *Device) error {
	res, err := db.Exec(`
		update device set
			service_profile_id = $2,
			device_profile_id = $3,
			routing_profile_id = $4,
			mode = $5,
			is_disabled = $6
		where dev_eui = $1`,
		d.DevEUI[:], d.ServiceProfileID, d.DeviceProfileID, d.RoutingProfileID, d.Mode, d.IsDisabled,
	)
	if err != nil {
		return handlePSQLError(err, "update device error")
	}
	return errIfNoneAffected(res)
}

// DeleteDevice deletes the device with the given DevEUI.
func DeleteDevice(ctx context.Context, db sqlx.Ext, devEUI lorawan.EUI64) error {
	res, err := db.Exec("delete from device where dev_eui = $1", devEUI[:])
	if err != nil {
		return handlePSQLError(err, "delete device error")
	}
	return errIfNoneAffected(res)
}

func errIfNoneAffected(res sql.Result) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "get rows affected error")
	}
	if ra == 0 {
		return ErrDoesNotExist
	}
	return nil
}

func handlePSQLError(err error, message string) error {
	if err == sql.ErrNoRows {
		return ErrDoesNotExist
	}
	return errors.Wrap(err, message)
}
