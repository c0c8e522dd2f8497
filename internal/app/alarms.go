package app

import "github.com/r3e-labs/instrument-gateway/internal/alarm"

// CreateAlarm validates and registers a new alarm definition, persisting it
// to disk so it survives a restart.
func (a *App) CreateAlarm(def alarm.Alarm) (alarm.Alarm, error) {
	created, err := a.Alarms.Create(def)
	if err != nil {
		return alarm.Alarm{}, err
	}
	if err := a.Storage.SaveAlarm(created.ID, created); err != nil {
		a.log.WithError(err).Warnf("alarm %s created but failed to persist", created.ID)
	}
	return created, nil
}

// UpdateAlarm re-validates and replaces an existing alarm definition.
func (a *App) UpdateAlarm(id string, def alarm.Alarm) (alarm.Alarm, error) {
	updated, err := a.Alarms.Update(id, def)
	if err != nil {
		return alarm.Alarm{}, err
	}
	if err := a.Storage.SaveAlarm(updated.ID, updated); err != nil {
		a.log.WithError(err).Warnf("alarm %s updated but failed to persist", updated.ID)
	}
	return updated, nil
}

// DeleteAlarm removes an alarm definition, from both the engine and disk.
func (a *App) DeleteAlarm(id string) error {
	if err := a.Alarms.Delete(id); err != nil {
		return err
	}
	if err := a.Storage.DeleteAlarm(id); err != nil {
		a.log.WithError(err).Warnf("alarm %s deleted but failed to remove from disk", id)
	}
	return nil
}

// EnableAlarm and DisableAlarm toggle evaluation without touching the
// persisted definition's other fields.
func (a *App) EnableAlarm(id string) error  { return a.Alarms.Enable(id) }
func (a *App) DisableAlarm(id string) error { return a.Alarms.Disable(id) }

// AcknowledgeAlarmEvent and ClearAlarm delegate straight to the engine; acks
// and clears are event-log entries, not part of the persisted definition.
func (a *App) AcknowledgeAlarmEvent(eventID, actor, note string) (alarm.Event, error) {
	return a.Alarms.Acknowledge(eventID, actor, note)
}
func (a *App) ClearAlarm(alarmID string) error { return a.Alarms.Clear(alarmID) }

// ListAlarms, ListAlarmEvents, and AlarmStatistics are plain read-throughs.
func (a *App) ListAlarms() []alarm.Alarm { return a.Alarms.ListAlarms() }
func (a *App) ListAlarmEvents(filter alarm.EventFilter) []alarm.Event {
	return a.Alarms.ListEvents(filter)
}
func (a *App) AlarmStatistics() alarm.Statistics { return a.Alarms.Statistics() }
