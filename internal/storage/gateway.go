package storage

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/brocaar/chirpstack-network-server/api/common"
	"github.com/brocaar/lorawan"
)

// Gateway is a registered gateway, used by the downlink gateway selector to
// enforce per-tenant privacy (a gateway with IsPrivateDown=true is only
// eligible for devices belonging to its own tenant).
type Gateway struct {
	GatewayID     lorawan.EUI64 `db:"gateway_id"`
	TenantID      uuid.UUID     `db:"tenant_id"`
	Name          string        `db:"name"`
	IsPrivateUp   bool          `db:"is_private_up"`
	IsPrivateDown bool          `db:"is_private_down"`
	Latitude      float64       `db:"latitude"`
	Longitude     float64       `db:"longitude"`
	Altitude      float64       `db:"altitude"`
}

// CreateGateway creates the given gateway.
func CreateGateway(ctx context.Context, db sqlx.Ext, gw *Gateway) error {
	_, err := db.Exec(`
		insert into gateway (
			gateway_id, tenant_id, name, is_private_up, is_private_down,
			latitude, longitude, altitude
		) values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		gw.GatewayID[:], gw.TenantID, gw.Name, gw.IsPrivateUp, gw.IsPrivateDown,
		gw.Latitude, gw.Longitude, gw.Altitude,
	)
	if err != nil {
		return handlePSQLError(err, "insert gateway error")
	}
	return nil
}

// GetGateway returns the gateway for the given id.
func GetGateway(ctx context.Context, db sqlx.Queryer, gatewayID lorawan.EUI64) (Gateway, error) {
	var gw Gateway
	err := sqlx.Get(db, &gw, "select * from gateway where gateway_id = $1", gatewayID[:])
	if err != nil {
		return gw, handlePSQLError(err, "select gateway error")
	}
	return gw, nil
}

// UpdateGateway updates the given gateway.
func UpdateGateway(ctx context.Context, db sqlx.Ext, gw *Gateway) error {
	res, err := db.Exec(`
		update gateway set
			tenant_id = $2,
			name = $3,
			is_private_up = $4,
			is_private_down = $5,
			latitude = $6,
			longitude = $7,
			altitude = $8
		where gateway_id = $1`,
		gw.GatewayID[:], gw.TenantID, gw.Name, gw.IsPrivateUp, gw.IsPrivateDown,
		gw.Latitude, gw.Longitude, gw.Altitude,
	)
	if err != nil {
		return handlePSQLError(err, "update gateway error")
	}
	return errIfNoneAffected(res)
}

// DeleteGateway deletes the gateway with the given id.
func DeleteGateway(ctx context.Context, db sqlx.Ext, gatewayID lorawan.EUI64) error {
	res, err := db.Exec("delete from gateway where gateway_id = $1", gatewayID[:])
	if err != nil {
		return handlePSQLError(err, "delete gateway error")
	}
	return errIfNoneAffected(res)
}

// GetGatewaysForIDs returns the gateways matching the given ids, used by
// the downlink gateway selector to resolve tenant/privacy flags in bulk.
func GetGatewaysForIDs(ctx context.Context, db sqlx.Queryer, gatewayIDs []lorawan.EUI64) (map[lorawan.EUI64]Gateway, error) {
	out := make(map[lorawan.EUI64]Gateway)
	if len(gatewayIDs) == 0 {
		return out, nil
	}

	ids := make([][]byte, len(gatewayIDs))
	for i, id := range gatewayIDs {
		b := make([]byte, len(id))
		copy(b, id[:])
		ids[i] = b
	}

	query, args, err := sqlx.In("select * from gateway where gateway_id in (?)", ids)
	if err != nil {
		return nil, err
	}
	query = db.Rebind(query)

	var gws []Gateway
	if err := sqlx.Select(db, &gws, query, args...); err != nil {
		return nil, handlePSQLError(err, "select gateways error")
	}

	for _, gw := range gws {
		out[gw.GatewayID] = gw
	}
	return out, nil
}

// GatewayStatsRecord holds a single GatewayStats observation, kept for
// the admin API's gateway-health endpoints.
type GatewayStatsRecord struct {
	GatewayID           lorawan.EUI64    `db:"gateway_id"`
	Time                time.Time        `db:"time"`
	Location            *common.Location `db:"-"`
	RxPacketsReceived   uint32           `db:"rx_packets_received"`
	RxPacketsReceivedOK uint32           `db:"rx_packets_received_ok"`
	TxPacketsReceived   uint32           `db:"tx_packets_received"`
	TxPacketsEmitted    uint32           `db:"tx_packets_emitted"`
}

// SaveGatewayStats appends a GatewayStatsRecord. Tolerates the gateway not
// (yet) being registered: a gateway may transmit stats before its admin
// record has been created.
func SaveGatewayStats(ctx context.Context, db sqlx.Ext, s GatewayStatsRecord) error {
	_, err := db.Exec(`
		insert into gateway_stats (
			gateway_id, time, rx_packets_received, rx_packets_received_ok,
			tx_packets_received, tx_packets_emitted
		) values ($1, $2, $3, $4, $5, $6)`,
		s.GatewayID[:], s.Time, s.RxPacketsReceived, s.RxPacketsReceivedOK,
		s.TxPacketsReceived, s.TxPacketsEmitted,
	)
	if err != nil {
		return handlePSQLError(err, "insert gateway-stats error")
	}
	return nil
}
