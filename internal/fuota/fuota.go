// Package fuota runs the FUOTA deployment job runner (spec §4.10): a
// job-typed state machine that walks one multicast firmware/payload
// rollout through CreateMcGroup -> AddDevsToMcGroup -> AddGwsToMcGroup ->
// McGroupSetup -> FragSessionSetup -> McSession -> Enqueue -> FragStatus ->
// Complete, driving the Remote Multicast Setup and Fragmented Data Block
// Transport application-layer protocols over ordinary device-queue
// unicast downlinks, and the Multicast Coordinator for the fragmented
// payload itself.
package fuota

import (
	"context"
	"crypto/aes"
	"math"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/downlink/multicast"
	"github.com/brocaar/chirpstack-network-server/internal/gps"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/applayer/fragmentation"
	"github.com/brocaar/lorawan/applayer/multicastsetup"
)

var (
	batchSize            int
	defaultMaxRetryCount int
	deviceUplinkInterval time.Duration
	defaultFragSize      int
	defaultRedundancyPct int
	mcSetupFPort         uint8
	fragmentationFPort   uint8
	schedulerInterval    time.Duration
)

// Setup configures the job runner from conf.
func Setup(conf config.Config) error {
	batchSize = conf.NetworkServer.Scheduler.BatchSize

	fc := conf.NetworkServer.NetworkSettings.FUOTA
	defaultMaxRetryCount = fc.MaxRetryCount
	deviceUplinkInterval = fc.DeviceUplinkInterval
	defaultFragSize = fc.FragSize
	defaultRedundancyPct = fc.RedundancyPercentage
	mcSetupFPort = fc.McSetupFPort
	fragmentationFPort = fc.FragmentationFPort
	schedulerInterval = fc.SchedulerInterval
	if schedulerInterval == 0 {
		schedulerInterval = time.Minute
	}

	return nil
}

// Start launches the job-runner loop in its own goroutine and returns
// immediately; call it once from main.
func Start() {
	go schedulerLoop()
}

func schedulerLoop() {
	for range time.Tick(schedulerInterval) {
		if err := Tick(context.Background()); err != nil {
			log.WithError(err).Error("fuota: scheduler tick error")
		}
	}
}

// Tick claims a batch of due deployment jobs and runs each to completion
// (or its next scheduled retry).
func Tick(ctx context.Context) error {
	return storage.Transaction(func(tx sqlx.Ext) error {
		jobs, err := storage.GetSchedulableFUOTADeploymentJobs(ctx, tx, batchSize)
		if err != nil {
			return errors.Wrap(err, "get schedulable fuota-deployment jobs error")
		}

		for _, job := range jobs {
			if err := handleJob(ctx, tx, job); err != nil {
				log.WithFields(log.Fields{
					"fuota_deployment_id": job.FUOTADeploymentID,
					"job":                 job.Job,
					"ctx_id":              ctx.Value(logging.ContextIDKey),
				}).WithError(err).Error("fuota: handle job error")
			}
		}

		return nil
	})
}

// CreateDeployment persists a new deployment, its target devices and
// (optional) explicit gateway-set, and schedules its first job.
func CreateDeployment(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, devEUIs []lorawan.EUI64, gatewayIDs []lorawan.EUI64) error {
	if fd.FragSize == 0 {
		fd.FragSize = defaultFragSize
	}
	if fd.RedundancyPercentage == 0 {
		fd.RedundancyPercentage = defaultRedundancyPct
	}
	if fd.UnicastMaxRetryCount == 0 {
		fd.UnicastMaxRetryCount = defaultMaxRetryCount
	}
	if fd.RequestFragmentationSessionStatus == "" {
		fd.RequestFragmentationSessionStatus = storage.FUOTAFragStatusNoRequest
	}

	if err := storage.CreateFUOTADeployment(ctx, db, fd); err != nil {
		return errors.Wrap(err, "create fuota-deployment error")
	}

	for _, devEUI := range devEUIs {
		if err := storage.AddFUOTADeploymentDevice(ctx, db, fd.ID, devEUI); err != nil {
			return errors.Wrap(err, "add fuota-deployment device error")
		}
	}
	for _, gatewayID := range gatewayIDs {
		if err := storage.AddFUOTADeploymentGateway(ctx, db, fd.ID, gatewayID); err != nil {
			return errors.Wrap(err, "add fuota-deployment gateway error")
		}
	}

	job := storage.FUOTADeploymentJobRecord{
		FUOTADeploymentID: fd.ID,
		Job:               storage.FUOTAJobCreateMcGroup,
		MaxRetryCount:     0,
		SchedulerRunAfter: time.Now(),
	}
	if err := storage.CreateFUOTADeploymentJob(ctx, db, &job); err != nil {
		return errors.Wrap(err, "create fuota-deployment job error")
	}

	return nil
}

// transition is what a phase function returns: the next job to schedule
// and when, or nil when the deployment is done.
type transition struct {
	job      storage.FUOTAJob
	runAfter time.Time
}

// maxRetryCountForJob returns the deployment's configured max-retry-count
// for the unicast setup steps; the create/add steps always run exactly
// once.
func maxRetryCountForJob(fd storage.FUOTADeployment, job storage.FUOTAJob) int {
	switch job {
	case storage.FUOTAJobMcGroupSetup, storage.FUOTAJobFragSessionSetup, storage.FUOTAJobMcSession:
		return fd.UnicastMaxRetryCount
	default:
		return 0
	}
}

// handleJob loads the deployment and dispatches to the phase function for
// job.Job, then persists the resulting state transition the same way as
// every other job: on success, either reschedule the same job (still
// waiting on devices) or close it out and create the next one; on error,
// reschedule the same job after the ordinary scheduler interval and record
// the error message.
func handleJob(ctx context.Context, db sqlx.Ext, job storage.FUOTADeploymentJobRecord) error {
	fd, err := storage.GetFUOTADeployment(ctx, db, job.FUOTADeploymentID)
	if err != nil {
		return errors.Wrap(err, "get fuota-deployment error")
	}

	next, err := dispatch(ctx, db, &fd, &job)
	if err != nil {
		job.SchedulerRunAfter = time.Now().Add(schedulerInterval)
		job.ErrorMsg = err.Error()
		if uerr := storage.UpdateFUOTADeploymentJob(ctx, db, &job); uerr != nil {
			return errors.Wrap(uerr, "update fuota-deployment job error")
		}
		return err
	}

	if next == nil {
		now := time.Now()
		job.CompletedAt = &now
		return storage.UpdateFUOTADeploymentJob(ctx, db, &job)
	}

	job.ErrorMsg = ""
	if next.job == job.Job {
		job.SchedulerRunAfter = next.runAfter
		return storage.UpdateFUOTADeploymentJob(ctx, db, &job)
	}

	now := time.Now()
	job.CompletedAt = &now
	if err := storage.UpdateFUOTADeploymentJob(ctx, db, &job); err != nil {
		return errors.Wrap(err, "update fuota-deployment job error")
	}

	nextJob := storage.FUOTADeploymentJobRecord{
		FUOTADeploymentID: fd.ID,
		Job:               next.job,
		MaxRetryCount:     maxRetryCountForJob(fd, next.job),
		SchedulerRunAfter: next.runAfter,
	}
	return storage.CreateFUOTADeploymentJob(ctx, db, &nextJob)
}

func dispatch(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	switch job.Job {
	case storage.FUOTAJobCreateMcGroup:
		return createMcGroup(ctx, db, fd, job)
	case storage.FUOTAJobAddDevsToMcGroup:
		return addDevsToMcGroup(ctx, db, fd, job)
	case storage.FUOTAJobAddGwsToMcGroup:
		return addGwsToMcGroup(ctx, db, fd, job)
	case storage.FUOTAJobMcGroupSetup:
		return mcGroupSetup(ctx, db, fd, job)
	case storage.FUOTAJobFragSessionSetup:
		return fragSessionSetup(ctx, db, fd, job)
	case storage.FUOTAJobMcSession:
		return mcSession(ctx, db, fd, job)
	case storage.FUOTAJobEnqueue:
		return enqueue(ctx, db, fd, job)
	case storage.FUOTAJobFragStatus:
		return fragStatus(ctx, db, fd, job)
	case storage.FUOTAJobComplete:
		return complete(ctx, db, fd, job)
	default:
		return nil, errors.Errorf("fuota: unknown job %q", job.Job)
	}
}

func createMcGroup(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		return nil, nil
	}
	job.AttemptCount++

	mcAppSKey, err := multicastsetup.GetMcAppSKey(fd.MulticastKey, fd.MulticastAddr)
	if err != nil {
		return nil, errors.Wrap(err, "get mcappskey error")
	}
	mcNwkSKey, err := multicastsetup.GetMcNetSKey(fd.MulticastKey, fd.MulticastAddr)
	if err != nil {
		return nil, errors.Wrap(err, "get mcnwkskey error")
	}

	mg := storage.MulticastGroup{
		ApplicationID:    fd.ApplicationID,
		Name:             "fuota-" + fd.ID.String(),
		McAddr:           fd.MulticastAddr,
		McNwkSKey:        mcNwkSKey,
		McAppSKey:        mcAppSKey,
		GroupType:        fd.GroupType,
		DR:               fd.DR,
		Frequency:        fd.Frequency,
		PingSlotPeriod:   fd.ClassBPingSlotNbK,
		ClassCScheduling: fd.ClassCSchedulingType,
	}
	if err := storage.CreateMulticastGroup(ctx, db, &mg); err != nil {
		return nil, errors.Wrap(err, "create multicast-group error")
	}
	if err := storage.SetFUOTADeploymentMulticastGroupID(ctx, db, fd.ID, mg.ID); err != nil {
		return nil, errors.Wrap(err, "set fuota-deployment multicast-group-id error")
	}
	fd.MulticastGroupID = uuid.NullUUID{UUID: mg.ID, Valid: true}

	return &transition{job: storage.FUOTAJobAddDevsToMcGroup, runAfter: time.Now()}, nil
}

func addDevsToMcGroup(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		return nil, nil
	}
	job.AttemptCount++

	if !fd.MulticastGroupID.Valid {
		return nil, errors.New("fuota: multicast-group not yet created")
	}

	devices, err := storage.GetFUOTADeploymentDevices(ctx, db, fd.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get fuota-deployment devices error")
	}
	for _, d := range devices {
		if err := storage.AddDeviceToMulticastGroup(ctx, db, fd.MulticastGroupID.UUID, d.DevEUI); err != nil {
			return nil, errors.Wrap(err, "add device to multicast-group error")
		}
	}

	return &transition{job: storage.FUOTAJobAddGwsToMcGroup, runAfter: time.Now()}, nil
}

func addGwsToMcGroup(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		return nil, nil
	}
	job.AttemptCount++

	gatewayIDs, err := storage.GetFUOTADeploymentGateways(ctx, db, fd.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get fuota-deployment gateways error")
	}
	for _, gatewayID := range gatewayIDs {
		if err := storage.AddGatewayToMulticastGroup(ctx, db, fd.MulticastGroupID.UUID, gatewayID); err != nil {
			return nil, errors.Wrap(err, "add gateway to multicast-group error")
		}
	}

	return &transition{job: storage.FUOTAJobMcGroupSetup, runAfter: time.Now()}, nil
}

// mcGroupSetup sends McGroupSetupReq to every device that hasn't completed
// it yet, encrypting the multicast session key under a per-device McKEKey
// derived from the device's root key (TS005 Remote Multicast Setup).
func mcGroupSetup(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		if err := storage.SetFUOTADeploymentDevicesTimedOut(ctx, db, fd.ID, storage.FUOTAStepMcGroupSetup); err != nil {
			return nil, errors.Wrap(err, "set devices timed out error")
		}
		return &transition{job: storage.FUOTAJobFragSessionSetup, runAfter: time.Now()}, nil
	}
	job.AttemptCount++

	profile, err := storage.GetDeviceProfile(ctx, db, fd.DeviceProfileID)
	if err != nil {
		return nil, errors.Wrap(err, "get device-profile error")
	}

	devices, err := storage.GetFUOTADeploymentDevices(ctx, db, fd.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get fuota-deployment devices error")
	}

	pending := 0
	for _, d := range devices {
		if d.McGroupSetupCompletedAt != nil {
			continue
		}
		pending++

		if err := sendMcGroupSetupReq(ctx, db, fd, profile, d.DevEUI); err != nil {
			log.WithFields(log.Fields{
				"dev_eui": d.DevEUI,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).WithError(err).Error("fuota: send mcgroupsetupreq error")
		}
	}

	if pending > 0 {
		return &transition{job: storage.FUOTAJobMcGroupSetup, runAfter: time.Now().Add(deviceUplinkInterval)}, nil
	}
	return &transition{job: storage.FUOTAJobFragSessionSetup, runAfter: time.Now()}, nil
}

func sendMcGroupSetupReq(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, profile storage.DeviceProfile, devEUI lorawan.EUI64) error {
	mcKeyEncrypted, err := mcKeyEncryptedFor(ctx, db, profile, devEUI, fd.MulticastKey)
	if err != nil {
		return err
	}

	cmd := multicastsetup.Command{
		CID: multicastsetup.McGroupSetupReq,
		Payload: &multicastsetup.McGroupSetupReqPayload{
			McAddr:         fd.MulticastAddr,
			McKeyEncrypted: mcKeyEncrypted,
			MinMcFCnt:      0,
			MaxMcFCnt:      math.MaxUint32,
		},
	}

	return enqueueUnicastCommand(ctx, db, devEUI, mcSetupFPort, cmd)
}

// fragSessionSetup sends FragSessionSetupReq to every device that has
// completed McGroupSetup but not yet FragSessionSetup.
func fragSessionSetup(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		if err := storage.SetFUOTADeploymentDevicesTimedOut(ctx, db, fd.ID, storage.FUOTAStepFragSessionSetup); err != nil {
			return nil, errors.Wrap(err, "set devices timed out error")
		}
		return &transition{job: storage.FUOTAJobMcSession, runAfter: time.Now()}, nil
	}
	job.AttemptCount++

	nbFrag, _, padding := fragmentPlan(fd)

	devices, err := storage.GetFUOTADeploymentDevices(ctx, db, fd.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get fuota-deployment devices error")
	}

	pending := 0
	for _, d := range devices {
		if d.McGroupSetupCompletedAt == nil || d.FragSessionSetupCompletedAt != nil {
			continue
		}
		pending++

		cmd := fragSessionSetupReqCommand(nbFrag, fd.FragSize, padding)
		if err := enqueueUnicastCommand(ctx, db, d.DevEUI, fragmentationFPort, cmd); err != nil {
			log.WithFields(log.Fields{
				"dev_eui": d.DevEUI,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).WithError(err).Error("fuota: send fragsessionsetupreq error")
		}
	}

	if pending > 0 {
		return &transition{job: storage.FUOTAJobFragSessionSetup, runAfter: time.Now().Add(deviceUplinkInterval)}, nil
	}
	return &transition{job: storage.FUOTAJobMcSession, runAfter: time.Now()}, nil
}

func fragSessionSetupReqCommand(nbFrag int, fragSize int, padding int) fragmentation.Command {
	return fragmentation.Command{
		CID: fragmentation.FragSessionSetupReq,
		Payload: &fragmentation.FragSessionSetupReqPayload{
			FragSession: fragmentation.FragSessionSetupReqPayloadFragSession{
				FragIndex:      0,
				McGroupBitMask: [4]bool{true, false, false, false},
			},
			NbFrag:   uint16(nbFrag),
			FragSize: uint8(fragSize),
			Padding:  uint8(padding),
			Control: fragmentation.FragSessionSetupReqPayloadControl{
				FragmentationMatrix: 0,
				BlockAckDelay:       0,
			},
		},
	}
}

// mcSession sends the class-B/class-C session-start command, timed to
// start (max_retry_count+1) uplink-intervals out so every device has had a
// chance to answer FragSessionSetupReq first.
func mcSession(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		if err := storage.SetFUOTADeploymentDevicesTimedOut(ctx, db, fd.ID, storage.FUOTAStepMcSession); err != nil {
			return nil, errors.Wrap(err, "set devices timed out error")
		}
		return &transition{job: storage.FUOTAJobEnqueue, runAfter: time.Now()}, nil
	}
	job.AttemptCount++

	sessionStart := time.Now().Add(time.Duration(job.MaxRetryCount+1) * deviceUplinkInterval)
	sessionStartSeconds := uint32(gps.Time(sessionStart).TimeSinceGPSEpoch() / time.Second)

	devices, err := storage.GetFUOTADeploymentDevices(ctx, db, fd.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get fuota-deployment devices error")
	}

	for _, d := range devices {
		if d.FragSessionSetupCompletedAt == nil || d.McSessionCompletedAt != nil {
			continue
		}

		cmd, err := mcSessionReq(fd, sessionStartSeconds)
		if err != nil {
			return nil, err
		}
		if err := enqueueUnicastCommand(ctx, db, d.DevEUI, mcSetupFPort, cmd); err != nil {
			log.WithFields(log.Fields{
				"dev_eui": d.DevEUI,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).WithError(err).Error("fuota: send mcsessionreq error")
		}
	}

	return &transition{job: storage.FUOTAJobMcSession, runAfter: time.Now().Add(deviceUplinkInterval)}, nil
}

func mcSessionReq(fd *storage.FUOTADeployment, sessionStartSeconds uint32) (multicastsetup.Command, error) {
	switch fd.GroupType {
	case storage.MulticastGroupB:
		return multicastsetup.Command{
			CID: multicastsetup.McClassBSessionReq,
			Payload: &multicastsetup.McClassBSessionReqPayload{
				SessionTime: sessionStartSeconds - (sessionStartSeconds % 128),
				TimeOutPeriodicity: multicastsetup.McClassBSessionReqPayloadTimeOutPeriodicity{
					TimeOut:     uint8(fd.Timeout),
					Periodicity: uint8(fd.ClassBPingSlotNbK),
				},
				DLFrequency: uint32(fd.Frequency),
				DR:          uint8(fd.DR),
			},
		}, nil
	case storage.MulticastGroupC:
		return multicastsetup.Command{
			CID: multicastsetup.McClassCSessionReq,
			Payload: &multicastsetup.McClassCSessionReqPayload{
				SessionTime: sessionStartSeconds,
				SessionTimeOut: multicastsetup.McClassCSessionReqPayloadSessionTimeOut{
					TimeOut: uint8(fd.Timeout),
				},
				DLFrequency: uint32(fd.Frequency),
				DR:          uint8(fd.DR),
			},
		}, nil
	default:
		return multicastsetup.Command{}, errors.Errorf("fuota: unsupported group-type %q", fd.GroupType)
	}
}

// enqueue splits the deployment payload into data fragments, adds a
// parity set, and hands every fragment to the Multicast Coordinator.
func enqueue(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		return &transition{job: storage.FUOTAJobFragStatus, runAfter: time.Now()}, nil
	}
	job.AttemptCount++

	fragments := buildFragments(fd)

	if !fd.MulticastGroupID.Valid {
		return nil, errors.New("fuota: multicast-group not yet created")
	}

	for i, frag := range fragments {
		cmd := fragmentation.Command{
			CID: fragmentation.DataFragment,
			Payload: &fragmentation.DataFragmentPayload{
				IndexAndN: fragmentation.DataFragmentPayloadIndexAndN{
					FragIndex: 0,
					N:         uint16(i + 1),
				},
				Payload: frag,
			},
		}
		b, err := cmd.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal fragment command error")
		}

		if err := multicast.Enqueue(ctx, db, fd.MulticastGroupID.UUID, fragmentationFPort, b); err != nil {
			return nil, errors.Wrap(err, "enqueue fragment error")
		}
	}

	switch fd.RequestFragmentationSessionStatus {
	case storage.FUOTAFragStatusNoRequest:
		return &transition{job: storage.FUOTAJobComplete, runAfter: time.Now()}, nil
	case storage.FUOTAFragStatusAfterFragEnqueue:
		return &transition{job: storage.FUOTAJobFragStatus, runAfter: time.Now()}, nil
	case storage.FUOTAFragStatusAfterSessTimeout:
		var timeout time.Duration
		switch fd.GroupType {
		case storage.MulticastGroupB:
			timeout = 128 * (1 << uint(fd.Timeout)) * time.Second
		case storage.MulticastGroupC:
			timeout = (1 << uint(fd.Timeout)) * time.Second
		default:
			return nil, errors.Errorf("fuota: unsupported group-type %q", fd.GroupType)
		}
		return &transition{job: storage.FUOTAJobFragStatus, runAfter: time.Now().Add(timeout)}, nil
	default:
		return &transition{job: storage.FUOTAJobComplete, runAfter: time.Now()}, nil
	}
}

// fragStatus sends FragSessionStatusReq to every device that completed
// McSession but hasn't answered a status request yet.
func fragStatus(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		return &transition{job: storage.FUOTAJobComplete, runAfter: time.Now()}, nil
	}
	job.AttemptCount++

	devices, err := storage.GetFUOTADeploymentDevices(ctx, db, fd.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get fuota-deployment devices error")
	}

	pending := 0
	for _, d := range devices {
		if d.McSessionCompletedAt == nil || d.FragStatusCompletedAt != nil {
			continue
		}
		pending++

		cmd := fragmentation.Command{
			CID: fragmentation.FragSessionStatusReq,
			Payload: &fragmentation.FragSessionStatusReqPayload{
				FragStatusReqParam: fragmentation.FragSessionStatusReqPayloadFragStatusReqParam{
					FragIndex:    0,
					Participants: true,
				},
			},
		}
		if err := enqueueUnicastCommand(ctx, db, d.DevEUI, fragmentationFPort, cmd); err != nil {
			log.WithFields(log.Fields{
				"dev_eui": d.DevEUI,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).WithError(err).Error("fuota: send fragsessionstatusreq error")
		}
	}

	if pending > 0 {
		return &transition{job: storage.FUOTAJobFragStatus, runAfter: time.Now().Add(deviceUplinkInterval)}, nil
	}
	return &transition{job: storage.FUOTAJobComplete, runAfter: time.Now()}, nil
}

func complete(ctx context.Context, db sqlx.Ext, fd *storage.FUOTADeployment, job *storage.FUOTADeploymentJobRecord) (*transition, error) {
	if job.AttemptCount > job.MaxRetryCount {
		return nil, nil
	}
	job.AttemptCount++

	if err := storage.SetFUOTADeploymentCompleted(ctx, db, fd.ID); err != nil {
		return nil, errors.Wrap(err, "set fuota-deployment completed error")
	}

	steps := []storage.FUOTAStep{storage.FUOTAStepMcGroupSetup, storage.FUOTAStepFragSessionSetup, storage.FUOTAStepMcSession}
	if fd.RequestFragmentationSessionStatus != storage.FUOTAFragStatusNoRequest {
		steps = append(steps, storage.FUOTAStepFragStatus)
	}
	for _, step := range steps {
		if err := storage.SetFUOTADeploymentDevicesCompleted(ctx, db, fd.ID, step); err != nil {
			return nil, errors.Wrap(err, "set devices completed error")
		}
	}

	return nil, nil
}

// mcKeyEncryptedFor derives the per-device McKEKey from the device's root
// key (TS005 §2.2) and uses it to wrap the deployment's multicast session
// key for McGroupSetupReq.
func mcKeyEncryptedFor(ctx context.Context, db sqlx.Ext, profile storage.DeviceProfile, devEUI lorawan.EUI64, mcKey lorawan.AES128Key) ([16]byte, error) {
	var out [16]byte

	dk, err := storage.GetDeviceKeys(ctx, db, devEUI)
	if err != nil {
		return out, errors.Wrap(err, "get device-keys error")
	}

	var mcRootKey lorawan.AES128Key
	if strings.HasPrefix(profile.MACVersion, "1.1") {
		mcRootKey, err = multicastsetup.GetMcRootKeyForAppKey(dk.AppKey)
	} else {
		// This network server's join handler only implements LoRaWAN
		// 1.0.x key derivation (see internal/backend/joinserver), where
		// the device's single root key is stored as NwkKey.
		mcRootKey, err = multicastsetup.GetMcRootKeyForGenAppKey(dk.NwkKey)
	}
	if err != nil {
		return out, errors.Wrap(err, "get mcrootkey error")
	}

	mcKEKey, err := multicastsetup.GetMcKEKey(mcRootKey)
	if err != nil {
		return out, errors.Wrap(err, "get mckekey error")
	}

	block, err := aes.NewCipher(mcKEKey[:])
	if err != nil {
		return out, errors.Wrap(err, "new cipher error")
	}
	block.Encrypt(out[:], mcKey[:])

	return out, nil
}

// enqueueUnicastCommand wraps cmd's wire bytes in an ordinary device-queue
// item, the way any other application-layer command reaches the device:
// through the Class-A/B/C downlink builder like any other queued payload.
func enqueueUnicastCommand(ctx context.Context, db sqlx.Ext, devEUI lorawan.EUI64, fPort uint8, cmd interface{ MarshalBinary() ([]byte, error) }) error {
	ds, err := storage.GetDeviceSession(ctx, storage.RedisPool(), devEUI)
	if err != nil {
		return errors.Wrap(err, "get device-session error")
	}

	b, err := cmd.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal command error")
	}

	qi := storage.DeviceQueueItem{
		DevAddr:    ds.DevAddr,
		DevEUI:     devEUI,
		FRMPayload: b,
		FPort:      fPort,
	}
	return storage.CreateDeviceQueueItem(ctx, db, &qi)
}

// fragmentPlan returns the data-fragment count, fragment size and padding
// needed to split fd.Payload per TS004 §3.
func fragmentPlan(fd *storage.FUOTADeployment) (nbFrag int, fragSize int, padding int) {
	fragSize = fd.FragSize
	if fragSize <= 0 {
		fragSize = 1
	}
	nbFrag = int(math.Ceil(float64(len(fd.Payload)) / float64(fragSize)))
	padding = (fragSize - (len(fd.Payload) % fragSize)) % fragSize
	return
}

// buildFragments splits fd.Payload into fixed-size data fragments and
// appends a simple parity set. The Go fragmentation package implements
// only the wire codec, not the forward-error-correction matrix from TS004
// annex B, so redundancy fragments here are produced with a much simpler
// scheme: each one XORs three data fragments at a rotating offset. A
// receiver that is missing more than one of the three can't reconstruct
// it, unlike real FEC, but it is enough to survive the odd single dropped
// fragment, which is the scenario the redundancy_percentage knob is for.
func buildFragments(fd *storage.FUOTADeployment) [][]byte {
	_, fragSize, padding := fragmentPlan(fd)

	payload := make([]byte, len(fd.Payload)+padding)
	copy(payload, fd.Payload)

	var dataFragments [][]byte
	for i := 0; i < len(payload); i += fragSize {
		dataFragments = append(dataFragments, payload[i:i+fragSize])
	}

	redundancy := int(math.Ceil(float64(len(dataFragments)) * float64(fd.RedundancyPercentage) / 100))

	out := make([][]byte, 0, len(dataFragments)+redundancy)
	out = append(out, dataFragments...)

	n := len(dataFragments)
	for k := 0; k < redundancy && n > 0; k++ {
		parity := make([]byte, fragSize)
		for j := 0; j < 3; j++ {
			src := dataFragments[(k+j)%n]
			for b := range parity {
				parity[b] ^= src[b]
			}
		}
		out = append(out, parity)
	}

	return out
}
