package storage

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/brocaar/lorawan"
)

// MulticastGroupType enumerates the scheduling class a multicast group
// uses for its downlinks.
type MulticastGroupType string

// Supported multicast group types.
const (
	MulticastGroupB MulticastGroupType = "B"
	MulticastGroupC MulticastGroupType = "C"
)

// MulticastGroupSchedulingType selects between the two Class-C multicast
// scheduling strategies.
type MulticastGroupSchedulingType string

// Supported Class-C multicast scheduling types.
const (
	MulticastSchedulingDelay    MulticastGroupSchedulingType = "DELAY"
	MulticastSchedulingGPSEpoch MulticastGroupSchedulingType = "GPS_EPOCH"
)

// MulticastGroup is a group of devices sharing one downlink session,
// addressed by McAddr and keyed by McNwkSKey/McAppSKey.
type MulticastGroup struct {
	ID             uuid.UUID                    `db:"id"`
	ApplicationID  uuid.UUID                    `db:"application_id"`
	Name           string                       `db:"name"`
	McAddr         lorawan.DevAddr              `db:"mc_addr"`
	McNwkSKey      lorawan.AES128Key            `db:"mc_nwk_s_key"`
	McAppSKey      lorawan.AES128Key            `db:"mc_app_s_key"`
	FCnt           uint32                       `db:"f_cnt"`
	GroupType      MulticastGroupType           `db:"group_type"`
	DR             int                          `db:"dr"`
	Frequency      int                          `db:"frequency"`
	PingSlotPeriod int                          `db:"ping_slot_period"`
	ClassCScheduling MulticastGroupSchedulingType `db:"class_c_scheduling_type"`
	// GatewayIDs, when non-empty, overrides the minimum-gateway-set
	// computation with an explicit covering set.
	GatewayIDs []lorawan.EUI64 `db:"-"`
}

// CreateMulticastGroup creates the given multicast-group, assigning it a
// new id.
func CreateMulticastGroup(ctx context.Context, db sqlx.Ext, mg *MulticastGroup) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	mg.ID = id

	_, err = db.Exec(`
		insert into multicast_group (
			id, application_id, name, mc_addr, mc_nwk_s_key, mc_app_s_key,
			f_cnt, group_type, dr, frequency, ping_slot_period, class_c_scheduling_type
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		mg.ID, mg.ApplicationID, mg.Name, mg.McAddr[:], mg.McNwkSKey[:], mg.McAppSKey[:],
		mg.FCnt, mg.GroupType, mg.DR, mg.Frequency, mg.PingSlotPeriod, mg.ClassCScheduling,
	)
	if err != nil {
		return handlePSQLError(err, "insert multicast-group error")
	}

	return nil
}

// GetMulticastGroup returns the multicast-group for the given id.
func GetMulticastGroup(ctx context.Context, db sqlx.Queryer, id uuid.UUID) (MulticastGroup, error) {
	var mg MulticastGroup
	err := sqlx.Get(db, &mg, "select * from multicast_group where id = $1", id)
	if err != nil {
		return mg, handlePSQLError(err, "select multicast-group error")
	}
	return mg, nil
}

// UpdateMulticastGroup updates the given multicast-group.
func UpdateMulticastGroup(ctx context.Context, db sqlx.Ext, mg *MulticastGroup) error {
	res, err := db.Exec(`
		update multicast_group set
			name = $2,
			mc_addr = $3,
			mc_nwk_s_key = $4,
			mc_app_s_key = $5,
			f_cnt = $6,
			group_type = $7,
			dr = $8,
			frequency = $9,
			ping_slot_period = $10,
			class_c_scheduling_type = $11
		where id = $1`,
		mg.ID, mg.Name, mg.McAddr[:], mg.McNwkSKey[:], mg.McAppSKey[:],
		mg.FCnt, mg.GroupType, mg.DR, mg.Frequency, mg.PingSlotPeriod, mg.ClassCScheduling,
	)
	if err != nil {
		return handlePSQLError(err, "update multicast-group error")
	}
	return errIfNoneAffected(res)
}

// DeleteMulticastGroup deletes the multicast-group with the given id.
func DeleteMulticastGroup(ctx context.Context, db sqlx.Ext, id uuid.UUID) error {
	res, err := db.Exec("delete from multicast_group where id = $1", id)
	if err != nil {
		return handlePSQLError(err, "delete multicast-group error")
	}
	return errIfNoneAffected(res)
}

// GetNextMulticastGroupFCnt atomically increments and returns the next FCnt
// for the given group (§5: "per multicast group, FCnt increments are
// atomic on the group record").
func GetNextMulticastGroupFCnt(ctx context.Context, db sqlx.Ext, id uuid.UUID) (uint32, error) {
	var fCnt uint32
	err := sqlx.Get(db, &fCnt, `
		update multicast_group set f_cnt = f_cnt + 1 where id = $1 returning f_cnt`,
		id,
	)
	if err != nil {
		return 0, handlePSQLError(err, "increment multicast-group f_cnt error")
	}
	return fCnt, nil
}

// AddDeviceToMulticastGroup registers devEUI as a member of the group.
func AddDeviceToMulticastGroup(ctx context.Context, db sqlx.Ext, groupID uuid.UUID, devEUI lorawan.EUI64) error {
	_, err := db.Exec(`
		insert into multicast_group_device (multicast_group_id, dev_eui)
		values ($1, $2)
		on conflict do nothing`,
		groupID, devEUI[:],
	)
	if err != nil {
		return handlePSQLError(err, "add device to multicast-group error")
	}
	return nil
}

// RemoveDeviceFromMulticastGroup removes devEUI from the group.
func RemoveDeviceFromMulticastGroup(ctx context.Context, db sqlx.Ext, groupID uuid.UUID, devEUI lorawan.EUI64) error {
	res, err := db.Exec(`
		delete from multicast_group_device where multicast_group_id = $1 and dev_eui = $2`,
		groupID, devEUI[:],
	)
	if err != nil {
		return handlePSQLError(err, "remove device from multicast-group error")
	}
	return errIfNoneAffected(res)
}

// AddGatewayToMulticastGroup registers gatewayID as part of the group's
// explicit gateway-set, overriding the minimum-gateway-set computation for
// this group (spec §4.10's AddGwsToMcGroup job uses this for
// FUOTA-driven deployments that need a specific covering set).
func AddGatewayToMulticastGroup(ctx context.Context, db sqlx.Ext, groupID uuid.UUID, gatewayID lorawan.EUI64) error {
	_, err := db.Exec(`
		insert into multicast_group_gateway (multicast_group_id, gateway_id)
		values ($1, $2)
		on conflict do nothing`,
		groupID, gatewayID[:],
	)
	if err != nil {
		return handlePSQLError(err, "add gateway to multicast-group error")
	}
	return nil
}

// GetGatewayIDsForMulticastGroup returns the group's explicit gateway-set,
// or an empty slice when none was configured.
func GetGatewayIDsForMulticastGroup(ctx context.Context, db sqlx.Queryer, groupID uuid.UUID) ([]lorawan.EUI64, error) {
	var rows [][]byte
	err := sqlx.Select(db, &rows, `
		select gateway_id from multicast_group_gateway where multicast_group_id = $1`,
		groupID,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select multicast-group gateways error")
	}

	out := make([]lorawan.EUI64, len(rows))
	for i, b := range rows {
		copy(out[i][:], b)
	}
	return out, nil
}

// GetDevEUIsForMulticastGroup returns every device currently a member of
// the given group, the input to the minimum-gateway-set computation.
func GetDevEUIsForMulticastGroup(ctx context.Context, db sqlx.Queryer, groupID uuid.UUID) ([]lorawan.EUI64, error) {
	var rows [][]byte
	err := sqlx.Select(db, &rows, `
		select dev_eui from multicast_group_device where multicast_group_id = $1`,
		groupID,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select multicast-group devices error")
	}

	out := make([]lorawan.EUI64, len(rows))
	for i, b := range rows {
		copy(out[i][:], b)
	}
	return out, nil
}

// MulticastGroupQueueItem is one scheduled transmission of a multicast
// payload to a single gateway (the coordinator emits one item per gateway
// in the covering set for every application enqueue).
type MulticastGroupQueueItem struct {
	ID                      int64          `db:"id"`
	CreatedAt               time.Time      `db:"created_at"`
	MulticastGroupID        uuid.UUID      `db:"multicast_group_id"`
	GatewayID               lorawan.EUI64  `db:"gateway_id"`
	FCnt                    uint32         `db:"f_cnt"`
	FPort                   uint8          `db:"f_port"`
	FRMPayload              []byte         `db:"frm_payload"`
	EmitAtTimeSinceGPSEpoch *time.Duration `db:"emit_at_time_since_gps_epoch"`
}

// CreateMulticastGroupQueueItem creates the given queue item.
func CreateMulticastGroupQueueItem(ctx context.Context, db sqlx.Ext, qi *MulticastGroupQueueItem) error {
	qi.CreatedAt = time.Now()

	err := sqlx.Get(db, &qi.ID, `
		insert into multicast_group_queue_item (
			created_at, multicast_group_id, gateway_id, f_cnt, f_port,
			frm_payload, emit_at_time_since_gps_epoch
		) values ($1, $2, $3, $4, $5, $6, $7)
		returning id`,
		qi.CreatedAt, qi.MulticastGroupID, qi.GatewayID[:], qi.FCnt, qi.FPort,
		qi.FRMPayload, durationPtrToSeconds(qi.EmitAtTimeSinceGPSEpoch),
	)
	if err != nil {
		return handlePSQLError(err, "insert multicast-group queue item error")
	}

	return nil
}

// DeleteMulticastGroupQueueItem deletes the queue item with the given id.
func DeleteMulticastGroupQueueItem(ctx context.Context, db sqlx.Ext, id int64) error {
	res, err := db.Exec("delete from multicast_group_queue_item where id = $1", id)
	if err != nil {
		return handlePSQLError(err, "delete multicast-group queue item error")
	}
	return errIfNoneAffected(res)
}

// GetMulticastGroupQueueItemsForMulticastGroup returns every pending queue
// item for the given group, ordered by FCnt.
func GetMulticastGroupQueueItemsForMulticastGroup(ctx context.Context, db sqlx.Queryer, groupID uuid.UUID) ([]MulticastGroupQueueItem, error) {
	var items []MulticastGroupQueueItem
	err := sqlx.Select(db, &items, `
		select * from multicast_group_queue_item where multicast_group_id = $1 order by f_cnt`,
		groupID,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select multicast-group queue items error")
	}
	return items, nil
}

// GetSchedulableMulticastGroupQueueItems returns up to count queue items
// ready to be scheduled (GPS-epoch emit-at in the past, or unscheduled
// Class-C items), claimed with `for update skip locked` so concurrent
// scheduler runs never double-send the same item.
func GetSchedulableMulticastGroupQueueItems(ctx context.Context, db sqlx.Ext, count int, gpsEpochSeconds float64) ([]MulticastGroupQueueItem, error) {
	rows, err := db.Queryx(`
		select * from multicast_group_queue_item
		where emit_at_time_since_gps_epoch is null or emit_at_time_since_gps_epoch <= $1
		order by f_cnt
		limit $2
		for update skip locked`,
		gpsEpochSeconds, count,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select schedulable multicast-group queue items error")
	}
	defer rows.Close()

	var items []MulticastGroupQueueItem
	for rows.Next() {
		var qi MulticastGroupQueueItem
		if err := rows.StructScan(&qi); err != nil {
			return nil, err
		}
		items = append(items, qi)
	}
	return items, nil
}
