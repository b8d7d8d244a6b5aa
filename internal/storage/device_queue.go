package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-network-server/api/as"
	"github.com/brocaar/chirpstack-network-server/internal/backend/applicationserver"
	"github.com/brocaar/chirpstack-network-server/internal/gps"
	"github.com/brocaar/lorawan"
)

// DeviceQueueItem is a downlink payload queued for an end-device, awaiting
// transmission in the device's next available RX window (or ping-slot, for
// Class-B devices; or the next scheduler tick, for Class-C devices).
type DeviceQueueItem struct {
	ID                      int64          `db:"id"`
	CreatedAt               time.Time      `db:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at"`
	DevAddr                 lorawan.DevAddr `db:"dev_addr"`
	DevEUI                  lorawan.EUI64  `db:"dev_eui"`
	FRMPayload              []byte         `db:"frm_payload"`
	FCnt                    uint32         `db:"f_cnt"`
	FPort                   uint8          `db:"f_port"`
	Confirmed               bool           `db:"confirmed"`
	IsPending               bool           `db:"is_pending"`
	EmitAtTimeSinceGPSEpoch *time.Duration `db:"emit_at_time_since_gps_epoch"`
	TimeoutAfter            *time.Time     `db:"timeout_after"`
}

// Validate validates the device-queue item.
func (d DeviceQueueItem) Validate() error {
	if d.FPort == 0 {
		return ErrInvalidFPort
	}
	return nil
}

// CreateDeviceQueueItem adds the given item to the device-queue.
func CreateDeviceQueueItem(ctx context.Context, db sqlx.Ext, qi *DeviceQueueItem) error {
	if err := qi.Validate(); err != nil {
		return err
	}

	now := time.Now()
	qi.CreatedAt = now
	qi.UpdatedAt = now

	err := sqlx.Get(db, &qi.ID, `
		insert into device_queue_item (
			created_at, updated_at, dev_addr, dev_eui, frm_payload, f_cnt, f_port,
			confirmed, is_pending, emit_at_time_since_gps_epoch, timeout_after
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning id`,
		qi.CreatedAt, qi.UpdatedAt, qi.DevAddr[:], qi.DevEUI[:], qi.FRMPayload, qi.FCnt, qi.FPort,
		qi.Confirmed, qi.IsPending, durationPtrToSeconds(qi.EmitAtTimeSinceGPSEpoch), qi.TimeoutAfter,
	)
	if err != nil {
		return handlePSQLError(err, "insert device-queue item error")
	}

	return nil
}

// GetDeviceQueueItem returns the device-queue item for the given id.
func GetDeviceQueueItem(ctx context.Context, db sqlx.Queryer, id int64) (DeviceQueueItem, error) {
	var qi DeviceQueueItem
	err := sqlx.Get(db, &qi, "select * from device_queue_item where id = $1", id)
	if err != nil {
		return qi, handlePSQLError(err, "select device-queue item error")
	}
	return qi, nil
}

// UpdateDeviceQueueItem updates the given device-queue item.
func UpdateDeviceQueueItem(ctx context.Context, db sqlx.Ext, qi *DeviceQueueItem) error {
	qi.UpdatedAt = time.Now()

	res, err := db.Exec(`
		update device_queue_item set
			updated_at = $2,
			dev_addr = $3,
			frm_payload = $4,
			f_cnt = $5,
			f_port = $6,
			confirmed = $7,
			is_pending = $8,
			emit_at_time_since_gps_epoch = $9,
			timeout_after = $10
		where id = $1`,
		qi.ID, qi.UpdatedAt, qi.DevAddr[:], qi.FRMPayload, qi.FCnt, qi.FPort,
		qi.Confirmed, qi.IsPending, durationPtrToSeconds(qi.EmitAtTimeSinceGPSEpoch), qi.TimeoutAfter,
	)
	if err != nil {
		return handlePSQLError(err, "update device-queue item error")
	}

	return errIfNoneAffected(res)
}

// DeleteDeviceQueueItem deletes the device-queue item with the given id.
func DeleteDeviceQueueItem(ctx context.Context, db sqlx.Ext, id int64) error {
	res, err := db.Exec("delete from device_queue_item where id = $1", id)
	if err != nil {
		return handlePSQLError(err, "delete device-queue item error")
	}
	return errIfNoneAffected(res)
}

// FlushDeviceQueueForDevEUI deletes every queued item for the given device.
func FlushDeviceQueueForDevEUI(ctx context.Context, db sqlx.Ext, devEUI lorawan.EUI64) error {
	_, err := db.Exec("delete from device_queue_item where dev_eui = $1", devEUI[:])
	if err != nil {
		return handlePSQLError(err, "flush device-queue error")
	}
	return nil
}

// GetDeviceQueueItemsForDevEUI returns all queue items for the given
// device, ordered by FCnt ascending (the order in which they were
// assigned a frame-counter).
func GetDeviceQueueItemsForDevEUI(ctx context.Context, db sqlx.Queryer, devEUI lorawan.EUI64) ([]DeviceQueueItem, error) {
	var items []DeviceQueueItem
	err := sqlx.Select(db, &items, "select * from device_queue_item where dev_eui = $1 order by f_cnt", devEUI[:])
	if err != nil {
		return nil, handlePSQLError(err, "select device-queue items error")
	}
	return items, nil
}

// GetNextDeviceQueueItemForDevEUI returns the first device-queue item that
// is not currently pending (or whose pending timeout has expired).
func GetNextDeviceQueueItemForDevEUI(ctx context.Context, db sqlx.Queryer, devEUI lorawan.EUI64) (DeviceQueueItem, error) {
	var qi DeviceQueueItem
	err := sqlx.Get(db, &qi, `
		select * from device_queue_item
		where
			dev_eui = $1
			and (
				is_pending = false
				or (is_pending = true and timeout_after <= $2)
			)
		order by f_cnt
		limit 1`,
		devEUI[:], time.Now(),
	)
	if err != nil {
		return qi, handlePSQLError(err, "select next device-queue item error")
	}
	return qi, nil
}

// GetMaxEmitAtTimeSinceGPSEpochForDevEUI returns the largest
// EmitAtTimeSinceGPSEpoch value queued for the given device, used to make
// sure newly queued Class-B items are scheduled strictly after any
// already-queued ones.
func GetMaxEmitAtTimeSinceGPSEpochForDevEUI(ctx context.Context, db sqlx.Queryer, devEUI lorawan.EUI64) (time.Duration, error) {
	var seconds sql.NullFloat64
	err := sqlx.Get(db, &seconds, `
		select max(emit_at_time_since_gps_epoch) from device_queue_item where dev_eui = $1`,
		devEUI[:],
	)
	if err != nil {
		return 0, handlePSQLError(err, "select max emit-at error")
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}

// GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt returns the next
// device-queue item that both fits within maxPayloadSize and carries the
// expected frame-counter, discarding (and reporting to the application
// server) every earlier item that does not; an item "carries the expected
// frame-counter" when its FCnt is not below fCnt. A pending head item
// whose timeout has not yet expired blocks the queue (ErrDoesNotExist);
// any other pending head item is reported as not acknowledged and removed
// first.
func GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx context.Context, db sqlx.Ext, devEUI lorawan.EUI64, maxPayloadSize int, fCnt uint32, routingProfileID uuid.UUID) (DeviceQueueItem, error) {
	items, err := GetDeviceQueueItemsForDevEUI(ctx, db, devEUI)
	if err != nil {
		return DeviceQueueItem{}, err
	}

	if len(items) != 0 && items[0].IsPending {
		if items[0].TimeoutAfter != nil && items[0].TimeoutAfter.After(time.Now()) {
			return DeviceQueueItem{}, ErrDoesNotExist
		}
		if err := reportDownlinkACK(ctx, routingProfileID, devEUI, items[0].FCnt, false); err != nil {
			return DeviceQueueItem{}, err
		}

		if err := DeleteDeviceQueueItem(ctx, db, items[0].ID); err != nil {
			return DeviceQueueItem{}, err
		}
		items = items[1:]
	}

	for len(items) != 0 {
		qi := items[0]

		if qi.FCnt < fCnt || len(qi.FRMPayload) > maxPayloadSize {
			errType, msg := as.ErrorType_DEVICE_QUEUE_ITEM_SIZE, "payload exceeds max payload size"
			if qi.FCnt < fCnt {
				errType, msg = as.ErrorType_DEVICE_QUEUE_ITEM_FCNT, "invalid frame-counter"
			}
			if err := reportDeviceQueueItemError(ctx, routingProfileID, devEUI, qi.FCnt, errType, msg); err != nil {
				return DeviceQueueItem{}, err
			}
			if err := DeleteDeviceQueueItem(ctx, db, qi.ID); err != nil {
				return DeviceQueueItem{}, err
			}
			items = items[1:]
			continue
		}

		return qi, nil
	}

	return DeviceQueueItem{}, ErrDoesNotExist
}

// asClientForRoutingProfile resolves the application-server client for the
// given routing-profile's ASID, via the process-wide pool.
func asClientForRoutingProfile(ctx context.Context, routingProfileID uuid.UUID) (as.ApplicationServerClient, error) {
	pool := applicationserver.Pool()
	if pool == nil {
		return nil, errors.New("application-server pool is not configured")
	}

	rp, err := GetRoutingProfile(ctx, db, routingProfileID)
	if err != nil {
		return nil, errors.Wrap(err, "get routing-profile error")
	}

	client, err := pool.Get(rp.ASID, []byte(rp.CACert), []byte(rp.TLSCert), []byte(rp.TLSKey))
	if err != nil {
		return nil, errors.Wrap(err, "get application-server client error")
	}

	return client, nil
}

// GetApplicationServerClient resolves the application-server client for the
// given routing-profile, for use by packages outside storage that forward
// uplink data or errors to the application server.
func GetApplicationServerClient(ctx context.Context, routingProfileID uuid.UUID) (as.ApplicationServerClient, error) {
	return asClientForRoutingProfile(ctx, routingProfileID)
}

// ReportDownlinkACK reports to the application server whether the
// downlink with the given FCnt was acknowledged by the device, for use
// by packages outside storage that process tx acks and device acks.
func ReportDownlinkACK(ctx context.Context, routingProfileID uuid.UUID, devEUI lorawan.EUI64, fCnt uint32, acked bool) error {
	return reportDownlinkACK(ctx, routingProfileID, devEUI, fCnt, acked)
}

// ReportDeviceQueueItemError reports a device-queue item error of the
// given type to the application server.
func ReportDeviceQueueItemError(ctx context.Context, routingProfileID uuid.UUID, devEUI lorawan.EUI64, fCnt uint32, errType as.ErrorType, message string) error {
	return reportDeviceQueueItemError(ctx, routingProfileID, devEUI, fCnt, errType, message)
}

func reportDownlinkACK(ctx context.Context, routingProfileID uuid.UUID, devEUI lorawan.EUI64, fCnt uint32, acked bool) error {
	client, err := asClientForRoutingProfile(ctx, routingProfileID)
	if err != nil {
		return err
	}
	_, err = client.HandleDownlinkACK(ctx, &as.HandleDownlinkACKRequest{
		DevEui:       devEUI[:],
		FCnt:         fCnt,
		Acknowledged: acked,
	})
	return err
}

func reportDeviceQueueItemError(ctx context.Context, routingProfileID uuid.UUID, devEUI lorawan.EUI64, fCnt uint32, errType as.ErrorType, message string) error {
	client, err := asClientForRoutingProfile(ctx, routingProfileID)
	if err != nil {
		return err
	}
	_, err = client.HandleError(ctx, &as.HandleErrorRequest{
		DevEui: devEUI[:],
		Type:   errType,
		Error:  message,
		FCnt:   fCnt,
	})
	return err
}

// GetDevicesWithClassBOrClassCDeviceQueueItems returns (and row-locks, but
// does not mark anything pending) up to count devices that are in Class-B or Class-C mode and have a
// device-queue item ready to be scheduled, using `select ... for update
// skip locked` so concurrent scheduler runs never pick the same device
// twice.
func GetDevicesWithClassBOrClassCDeviceQueueItems(ctx context.Context, db sqlx.Ext, count int) ([]Device, error) {
	var devices []Device

	rows, err := db.Queryx(`
		select d.*
		from device d
		inner join device_profile dp on dp.id = d.device_profile_id
		inner join device_queue_item qi on qi.dev_eui = d.dev_eui
		where
			(d.mode = 'B' and dp.supports_class_b = true and qi.emit_at_time_since_gps_epoch <= $1)
			or
			(d.mode = 'C' and dp.supports_class_c = true and (qi.is_pending = false or qi.timeout_after <= $2))
		group by d.dev_eui
		order by min(qi.f_cnt)
		limit $3
		for update of d skip locked`,
		gps.Time(time.Now()).TimeSinceGPSEpoch().Seconds(), time.Now(), count,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select devices with queue items error")
	}
	defer rows.Close()

	for rows.Next() {
		var d Device
		if err := rows.StructScan(&d); err != nil {
			return nil, errors.Wrap(err, "scan device error")
		}
		devices = append(devices, d)
	}

	return devices, nil
}

func durationPtrToSeconds(d *time.Duration) interface{} {
	if d == nil {
		return nil
	}
	return d.Seconds()
}
