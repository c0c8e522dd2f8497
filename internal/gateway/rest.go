package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/r3e-labs/instrument-gateway/internal/alarm"
	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/internal/instrument"
	"github.com/r3e-labs/instrument-gateway/internal/lock"
	"github.com/r3e-labs/instrument-gateway/internal/scheduler"
	"github.com/r3e-labs/instrument-gateway/internal/storage"
)

func (gw *Gateway) discover(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": gw.app.Discover()})
}

func (gw *Gateway) connect(c *gin.Context) {
	var req struct {
		Resource      string                   `json:"resource_string"`
		EquipmentType instrument.EquipmentType  `json:"equipment_type"`
		Model         string                   `json:"model"`
		Capabilities  instrument.Capabilities   `json:"capabilities"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	id, err := gw.app.Connect(c.Request.Context(), req.Resource, req.EquipmentType, req.Model, req.Capabilities)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equipment_id": id.ID, "status": "connected", "capabilities": id.Capabilities})
}

func (gw *Gateway) disconnect(c *gin.Context) {
	equipmentID := c.Param("equipment_id")
	if err := gw.app.Disconnect(c.Request.Context(), equipmentID); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equipment_id": equipmentID, "status": "disconnected"})
}

func (gw *Gateway) list(c *gin.Context) {
	c.JSON(http.StatusOK, gw.app.List())
}

func (gw *Gateway) status(c *gin.Context) {
	equipmentID := c.Param("equipment_id")
	snap, err := gw.app.Status(equipmentID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected":    snap.Connected,
		"degraded":     snap.Degraded,
		"equipment_id": snap.Identity.ID,
		"firmware_version": snap.Identity.Firmware,
		"capabilities": snap.Identity.Capabilities,
		"telemetry":    snap.Telemetry,
	})
}

func (gw *Gateway) command(c *gin.Context) {
	equipmentID := c.Param("equipment_id")
	var req struct {
		CommandID  string         `json:"command_id"`
		Action     string         `json:"action"`
		Parameters map[string]any `json:"parameters"`
		SessionID  string         `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	sid := req.SessionID
	if sid == "" {
		sid = sessionID(c, nil)
	}
	if req.CommandID == "" {
		req.CommandID = uuid.NewString()
	}
	if sid == scheduler.SystemSessionID {
		c.JSON(http.StatusOK, gin.H{
			"command_id": req.CommandID,
			"success":    false,
			"error":      gwerrors.ToEnvelope(gwerrors.PermissionDeniedf("session_id %q is reserved for scheduled jobs", sid)),
		})
		return
	}

	data, err := gw.app.Execute(c.Request.Context(), equipmentID, req.Action, req.Parameters, sid)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"command_id": req.CommandID,
			"success":    false,
			"error":      gwerrors.ToEnvelope(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"command_id": req.CommandID,
		"success":    true,
		"data":       data,
	})
}

// --- Lock operations ---

func (gw *Gateway) lockAcquire(c *gin.Context) {
	equipmentID := c.Param("equipment_id")
	var req struct {
		SessionID   string    `json:"session_id"`
		Mode        lock.Mode `json:"mode"`
		TimeoutS    int       `json:"timeout_s"`
		QueueIfBusy bool      `json:"queue_if_busy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	if req.SessionID == "" {
		writeErr(c, gwerrors.PermissionDeniedf("session_id is required to acquire a lock"))
		return
	}
	res, err := gw.app.Locks.Acquire(equipmentID, req.SessionID, req.Mode, req.TimeoutS, req.QueueIfBusy)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (gw *Gateway) lockRelease(c *gin.Context) {
	equipmentID := c.Param("equipment_id")
	var req struct {
		SessionID string `json:"session_id"`
		Force     bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	outcome, err := gw.app.Locks.Release(equipmentID, req.SessionID, req.Force)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (gw *Gateway) lockTouch(c *gin.Context) {
	equipmentID := c.Param("equipment_id")
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	owns := gw.app.Locks.Touch(equipmentID, req.SessionID)
	c.JSON(http.StatusOK, gin.H{"owns_exclusive": owns})
}

func (gw *Gateway) lockStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gw.app.Locks.Status(c.Param("equipment_id")))
}

func (gw *Gateway) lockQueue(c *gin.Context) {
	st := gw.app.Locks.Status(c.Param("equipment_id"))
	c.JSON(http.StatusOK, gin.H{"queue": st.Queue})
}

// lockResume is the REST counterpart of the duplex "resume" message: a
// plain lock Acquire under a distinct route. It does not restart stream
// subscriptions; the Stream Multiplexer's Suspend/Resume are not called
// from the gateway.
func (gw *Gateway) lockResume(c *gin.Context) {
	gw.lockAcquire(c)
}

func (gw *Gateway) lockEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": gw.app.Locks.Events()})
}

// --- Named state save/recall ---

func (gw *Gateway) saveState(c *gin.Context) {
	equipmentID, stateID := c.Param("equipment_id"), c.Param("state_id")
	sid := sessionID(c, nil)
	if err := gw.app.SaveNamedState(c.Request.Context(), equipmentID, stateID, sid); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equipment_id": equipmentID, "state_id": stateID, "status": "saved"})
}

func (gw *Gateway) recallState(c *gin.Context) {
	equipmentID, stateID := c.Param("equipment_id"), c.Param("state_id")
	sid := sessionID(c, nil)
	if err := gw.app.RecallNamedState(c.Request.Context(), equipmentID, stateID, sid); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equipment_id": equipmentID, "state_id": stateID, "status": "recalled"})
}

func (gw *Gateway) listStates(c *gin.Context) {
	states := gw.app.ListNamedStates(c.Param("equipment_id"))
	if states == nil {
		states = []storage.StateRecord{}
	}
	c.JSON(http.StatusOK, states)
}

func (gw *Gateway) deleteState(c *gin.Context) {
	equipmentID, stateID := c.Param("equipment_id"), c.Param("state_id")
	if err := gw.app.DeleteNamedState(equipmentID, stateID); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Alarm CRUD, acknowledge, clear, list, statistics ---

func (gw *Gateway) createAlarm(c *gin.Context) {
	var a alarm.Alarm
	if err := c.ShouldBindJSON(&a); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	created, err := gw.app.CreateAlarm(a)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (gw *Gateway) updateAlarm(c *gin.Context) {
	var a alarm.Alarm
	if err := c.ShouldBindJSON(&a); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	updated, err := gw.app.UpdateAlarm(c.Param("alarm_id"), a)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (gw *Gateway) deleteAlarm(c *gin.Context) {
	if err := gw.app.DeleteAlarm(c.Param("alarm_id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (gw *Gateway) enableAlarm(c *gin.Context) {
	if err := gw.app.EnableAlarm(c.Param("alarm_id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (gw *Gateway) disableAlarm(c *gin.Context) {
	if err := gw.app.DisableAlarm(c.Param("alarm_id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (gw *Gateway) clearAlarm(c *gin.Context) {
	if err := gw.app.ClearAlarm(c.Param("alarm_id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (gw *Gateway) listAlarms(c *gin.Context) {
	alarms := gw.app.ListAlarms()
	if alarms == nil {
		alarms = []alarm.Alarm{}
	}
	c.JSON(http.StatusOK, alarms)
}

func (gw *Gateway) listAlarmEvents(c *gin.Context) {
	filter := alarm.EventFilter{
		AlarmID:     c.Query("alarm_id"),
		EquipmentID: c.Query("equipment_id"),
		State:       alarm.EventState(c.Query("state")),
	}
	events := gw.app.ListAlarmEvents(filter)
	if events == nil {
		events = []alarm.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (gw *Gateway) ackAlarmEvent(c *gin.Context) {
	var req struct {
		Actor string `json:"actor"`
		Note  string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	ev, err := gw.app.AcknowledgeAlarmEvent(c.Param("event_id"), req.Actor, req.Note)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (gw *Gateway) alarmStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, gw.app.AlarmStatistics())
}

// --- Scheduler CRUD, list, next-fire ---

func (gw *Gateway) createJob(c *gin.Context) {
	var j scheduler.Job
	if err := c.ShouldBindJSON(&j); err != nil {
		writeErr(c, gwerrors.BadRequestf("invalid request body: %v", err))
		return
	}
	created, err := gw.app.CreateJob(j)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (gw *Gateway) listJobs(c *gin.Context) {
	jobs := gw.app.ListJobs()
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// getJob also reports next_fire explicitly, per §6's "Scheduler CRUD, list,
// next-fire" — next-fire is just the job's own NextFire field, surfaced
// again at the top level for clients that only want that one value.
func (gw *Gateway) getJob(c *gin.Context) {
	j, ok := gw.app.GetJob(c.Param("job_id"))
	if !ok {
		writeErr(c, gwerrors.NotFoundf("scheduled job", c.Param("job_id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j, "next_fire": j.NextFire})
}

func (gw *Gateway) deleteJob(c *gin.Context) {
	if err := gw.app.DeleteJob(c.Param("job_id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (gw *Gateway) enableJob(c *gin.Context) {
	if err := gw.app.EnableJob(c.Param("job_id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (gw *Gateway) disableJob(c *gin.Context) {
	if err := gw.app.DisableJob(c.Param("job_id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
