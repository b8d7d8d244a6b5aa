package storage

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// FUOTAJob names one step of the FUOTA deployment state machine (spec
// §4.10): CreateMcGroup -> AddDevsToMcGroup -> AddGwsToMcGroup ->
// McGroupSetup -> FragSessionSetup -> McSession -> Enqueue -> FragStatus ->
// Complete.
type FUOTAJob string

// Deployment job steps, in the order they run.
const (
	FUOTAJobCreateMcGroup     FUOTAJob = "CreateMcGroup"
	FUOTAJobAddDevsToMcGroup  FUOTAJob = "AddDevsToMcGroup"
	FUOTAJobAddGwsToMcGroup   FUOTAJob = "AddGwsToMcGroup"
	FUOTAJobMcGroupSetup      FUOTAJob = "McGroupSetup"
	FUOTAJobFragSessionSetup  FUOTAJob = "FragSessionSetup"
	FUOTAJobMcSession         FUOTAJob = "McSession"
	FUOTAJobEnqueue           FUOTAJob = "Enqueue"
	FUOTAJobFragStatus        FUOTAJob = "FragStatus"
	FUOTAJobComplete          FUOTAJob = "Complete"
)

// FUOTAFragStatusRequest selects when (if ever) the orchestrator asks
// devices to report their fragmentation-session status.
type FUOTAFragStatusRequest string

// Supported fragmentation status request policies.
const (
	FUOTAFragStatusNoRequest         FUOTAFragStatusRequest = "NO_REQUEST"
	FUOTAFragStatusAfterFragEnqueue  FUOTAFragStatusRequest = "AFTER_FRAG_ENQUEUE"
	FUOTAFragStatusAfterSessTimeout  FUOTAFragStatusRequest = "AFTER_SESSION_TIMEOUT"
)

// FUOTADeployment is a single firmware/payload multicast rollout (spec
// §4.10). The multicast-group it drives is created during the
// CreateMcGroup job and its id is recorded in MulticastGroupID.
type FUOTADeployment struct {
	ID                                 uuid.UUID                    `db:"id"`
	ApplicationID                      uuid.UUID                    `db:"application_id"`
	DeviceProfileID                    uuid.UUID                    `db:"device_profile_id"`
	MulticastGroupID                   uuid.NullUUID                `db:"multicast_group_id"`
	Name                               string                       `db:"name"`
	MulticastAddr                      lorawan.DevAddr              `db:"multicast_addr"`
	MulticastKey                       lorawan.AES128Key            `db:"multicast_key"`
	GroupType                          MulticastGroupType           `db:"group_type"`
	Frequency                          int                          `db:"frequency"`
	DR                                 int                          `db:"dr"`
	ClassBPingSlotNbK                  int                          `db:"class_b_ping_slot_nb_k"`
	ClassCSchedulingType               MulticastGroupSchedulingType `db:"class_c_scheduling_type"`
	Timeout                            int                          `db:"mc_timeout"`
	UnicastMaxRetryCount               int                          `db:"unicast_max_retry_count"`
	FragSize                           int                          `db:"frag_size"`
	RedundancyPercentage               int                          `db:"redundancy_percentage"`
	RequestFragmentationSessionStatus  FUOTAFragStatusRequest       `db:"request_frag_session_status"`
	Payload                            []byte                       `db:"payload"`
	CreatedAt                          time.Time                    `db:"created_at"`
	CompletedAt                        *time.Time                   `db:"completed_at"`
}

// FUOTADeploymentDevice is one device targeted by a deployment, tracking
// how far it has progressed through the unicast setup steps.
type FUOTADeploymentDevice struct {
	FUOTADeploymentID        uuid.UUID  `db:"fuota_deployment_id"`
	DevEUI                   lorawan.EUI64 `db:"dev_eui"`
	McGroupSetupCompletedAt  *time.Time `db:"mc_group_setup_completed_at"`
	McGroupSetupError        bool       `db:"mc_group_setup_error"`
	FragSessionSetupCompletedAt *time.Time `db:"frag_session_setup_completed_at"`
	FragSessionSetupError    bool       `db:"frag_session_setup_error"`
	McSessionCompletedAt     *time.Time `db:"mc_session_completed_at"`
	McSessionError           bool       `db:"mc_session_error"`
	FragStatusCompletedAt    *time.Time `db:"frag_status_completed_at"`
	FragStatusError          bool       `db:"frag_status_error"`
}

// FUOTAStep names one of the four unicast setup steps tracked per device.
type FUOTAStep string

// Supported steps.
const (
	FUOTAStepMcGroupSetup     FUOTAStep = "mc_group_setup"
	FUOTAStepFragSessionSetup FUOTAStep = "frag_session_setup"
	FUOTAStepMcSession        FUOTAStep = "mc_session"
	FUOTAStepFragStatus       FUOTAStep = "frag_status"
)

// FUOTADeploymentJobRecord is one scheduled run of a deployment's state
// machine, claimed and re-created by the job runner as it walks the job
// sequence.
type FUOTADeploymentJobRecord struct {
	ID                uuid.UUID  `db:"id"`
	FUOTADeploymentID uuid.UUID  `db:"fuota_deployment_id"`
	Job               FUOTAJob   `db:"job"`
	AttemptCount      int        `db:"attempt_count"`
	MaxRetryCount     int        `db:"max_retry_count"`
	SchedulerRunAfter time.Time  `db:"scheduler_run_after"`
	ErrorMsg          string     `db:"error_msg"`
	CreatedAt         time.Time  `db:"created_at"`
	CompletedAt       *time.Time `db:"completed_at"`
}

// CreateFUOTADeployment creates the given deployment, assigning it a new id.
func CreateFUOTADeployment(ctx context.Context, db sqlx.Ext, fd *FUOTADeployment) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	fd.ID = id
	fd.CreatedAt = time.Now()

	_, err = db.Exec(`
		insert into fuota_deployment (
			id, application_id, device_profile_id, multicast_group_id, name,
			multicast_addr, multicast_key, group_type, frequency, dr,
			class_b_ping_slot_nb_k, class_c_scheduling_type, mc_timeout,
			unicast_max_retry_count, frag_size, redundancy_percentage,
			request_frag_session_status, payload, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		fd.ID, fd.ApplicationID, fd.DeviceProfileID, fd.MulticastGroupID, fd.Name,
		fd.MulticastAddr[:], fd.MulticastKey[:], fd.GroupType, fd.Frequency, fd.DR,
		fd.ClassBPingSlotNbK, fd.ClassCSchedulingType, fd.Timeout,
		fd.UnicastMaxRetryCount, fd.FragSize, fd.RedundancyPercentage,
		fd.RequestFragmentationSessionStatus, fd.Payload, fd.CreatedAt,
	)
	if err != nil {
		return handlePSQLError(err, "insert fuota-deployment error")
	}
	return nil
}

// GetFUOTADeployment returns the deployment for the given id.
func GetFUOTADeployment(ctx context.Context, db sqlx.Queryer, id uuid.UUID) (FUOTADeployment, error) {
	var fd FUOTADeployment
	err := sqlx.Get(db, &fd, "select * from fuota_deployment where id = $1", id)
	if err != nil {
		return fd, handlePSQLError(err, "select fuota-deployment error")
	}
	return fd, nil
}

// SetFUOTADeploymentMulticastGroupID records the multicast-group created for
// the deployment's CreateMcGroup job.
func SetFUOTADeploymentMulticastGroupID(ctx context.Context, db sqlx.Ext, id uuid.UUID, groupID uuid.UUID) error {
	res, err := db.Exec("update fuota_deployment set multicast_group_id = $2 where id = $1", id, groupID)
	if err != nil {
		return handlePSQLError(err, "update fuota-deployment multicast-group-id error")
	}
	return errIfNoneAffected(res)
}

// SetFUOTADeploymentCompleted marks the deployment as completed.
func SetFUOTADeploymentCompleted(ctx context.Context, db sqlx.Ext, id uuid.UUID) error {
	res, err := db.Exec("update fuota_deployment set completed_at = $2 where id = $1", id, time.Now())
	if err != nil {
		return handlePSQLError(err, "update fuota-deployment completed-at error")
	}
	return errIfNoneAffected(res)
}

// AddFUOTADeploymentDevice adds devEUI as a target of the deployment.
func AddFUOTADeploymentDevice(ctx context.Context, db sqlx.Ext, deploymentID uuid.UUID, devEUI lorawan.EUI64) error {
	_, err := db.Exec(`
		insert into fuota_deployment_device (fuota_deployment_id, dev_eui)
		values ($1, $2)
		on conflict do nothing`,
		deploymentID, devEUI[:],
	)
	if err != nil {
		return handlePSQLError(err, "insert fuota-deployment device error")
	}
	return nil
}

// GetFUOTADeploymentDevices returns every device targeted by the deployment.
func GetFUOTADeploymentDevices(ctx context.Context, db sqlx.Queryer, deploymentID uuid.UUID) ([]FUOTADeploymentDevice, error) {
	var out []FUOTADeploymentDevice
	err := sqlx.Select(db, &out, `
		select * from fuota_deployment_device where fuota_deployment_id = $1`,
		deploymentID,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select fuota-deployment devices error")
	}
	return out, nil
}

// AddFUOTADeploymentGateway adds gatewayID as part of the deployment's
// explicit multicast gateway-set.
func AddFUOTADeploymentGateway(ctx context.Context, db sqlx.Ext, deploymentID uuid.UUID, gatewayID lorawan.EUI64) error {
	_, err := db.Exec(`
		insert into fuota_deployment_gateway (fuota_deployment_id, gateway_id)
		values ($1, $2)
		on conflict do nothing`,
		deploymentID, gatewayID[:],
	)
	if err != nil {
		return handlePSQLError(err, "insert fuota-deployment gateway error")
	}
	return nil
}

// GetFUOTADeploymentGateways returns the deployment's explicit gateway-set.
func GetFUOTADeploymentGateways(ctx context.Context, db sqlx.Queryer, deploymentID uuid.UUID) ([]lorawan.EUI64, error) {
	var rows [][]byte
	err := sqlx.Select(db, &rows, `
		select gateway_id from fuota_deployment_gateway where fuota_deployment_id = $1`,
		deploymentID,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select fuota-deployment gateways error")
	}

	out := make([]lorawan.EUI64, len(rows))
	for i, b := range rows {
		copy(out[i][:], b)
	}
	return out, nil
}

var fuotaStepColumns = map[FUOTAStep]string{
	FUOTAStepMcGroupSetup:     "mc_group_setup",
	FUOTAStepFragSessionSetup: "frag_session_setup",
	FUOTAStepMcSession:        "mc_session",
	FUOTAStepFragStatus:       "frag_status",
}

// SetFUOTADeploymentDevicesTimedOut flags every device of the deployment
// that has not yet completed the given step as having timed out on it
// (the device did not answer the corresponding request in time).
func SetFUOTADeploymentDevicesTimedOut(ctx context.Context, db sqlx.Ext, deploymentID uuid.UUID, step FUOTAStep) error {
	col, ok := fuotaStepColumns[step]
	if !ok {
		return nil
	}

	_, err := db.Exec(`update fuota_deployment_device set `+col+`_error = true
		where fuota_deployment_id = $1 and `+col+`_completed_at is null`,
		deploymentID,
	)
	if err != nil {
		return handlePSQLError(err, "set fuota-deployment device timeout error")
	}
	return nil
}

// SetFUOTADeploymentDevicesCompleted marks every device of the deployment
// that has not yet completed the given step as completed.
func SetFUOTADeploymentDevicesCompleted(ctx context.Context, db sqlx.Ext, deploymentID uuid.UUID, step FUOTAStep) error {
	col, ok := fuotaStepColumns[step]
	if !ok {
		return nil
	}

	_, err := db.Exec(`update fuota_deployment_device set `+col+`_completed_at = $2
		where fuota_deployment_id = $1 and `+col+`_completed_at is null`,
		deploymentID, time.Now(),
	)
	if err != nil {
		return handlePSQLError(err, "set fuota-deployment device completed error")
	}
	return nil
}

// CreateFUOTADeploymentJob creates the first or next job record, assigning
// it a new id.
func CreateFUOTADeploymentJob(ctx context.Context, db sqlx.Ext, job *FUOTADeploymentJobRecord) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	job.ID = id
	job.CreatedAt = time.Now()

	_, err = db.Exec(`
		insert into fuota_deployment_job (
			id, fuota_deployment_id, job, attempt_count, max_retry_count,
			scheduler_run_after, error_msg, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.FUOTADeploymentID, job.Job, job.AttemptCount, job.MaxRetryCount,
		job.SchedulerRunAfter, job.ErrorMsg, job.CreatedAt,
	)
	if err != nil {
		return handlePSQLError(err, "insert fuota-deployment job error")
	}
	return nil
}

// UpdateFUOTADeploymentJob persists the job's attempt-count, next
// scheduler_run_after, and error message.
func UpdateFUOTADeploymentJob(ctx context.Context, db sqlx.Ext, job *FUOTADeploymentJobRecord) error {
	res, err := db.Exec(`
		update fuota_deployment_job set
			attempt_count = $2,
			scheduler_run_after = $3,
			error_msg = $4,
			completed_at = $5
		where id = $1`,
		job.ID, job.AttemptCount, job.SchedulerRunAfter, job.ErrorMsg, job.CompletedAt,
	)
	if err != nil {
		return handlePSQLError(err, "update fuota-deployment job error")
	}
	return errIfNoneAffected(res)
}

// GetSchedulableFUOTADeploymentJobs returns up to count pending jobs whose
// scheduler_run_after has passed, claimed with `for update skip locked` so
// concurrent job-runner ticks never double-run the same job.
func GetSchedulableFUOTADeploymentJobs(ctx context.Context, db sqlx.Ext, count int) ([]FUOTADeploymentJobRecord, error) {
	rows, err := db.Queryx(`
		select * from fuota_deployment_job
		where completed_at is null and scheduler_run_after <= $1
		order by scheduler_run_after
		limit $2
		for update skip locked`,
		time.Now(), count,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select schedulable fuota-deployment jobs error")
	}
	defer rows.Close()

	var out []FUOTADeploymentJobRecord
	for rows.Next() {
		var j FUOTADeploymentJobRecord
		if err := rows.StructScan(&j); err != nil {
			return nil, errors.Wrap(err, "scan fuota-deployment job error")
		}
		out = append(out, j)
	}
	return out, nil
}
