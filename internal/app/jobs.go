package app

import "github.com/r3e-labs/instrument-gateway/internal/scheduler"

// CreateJob validates and registers a new scheduled job, persisting it to
// disk so it survives a restart.
func (a *App) CreateJob(j scheduler.Job) (scheduler.Job, error) {
	created, err := a.Scheduler.Create(j)
	if err != nil {
		return scheduler.Job{}, err
	}
	if err := a.Storage.SaveJob(created.ID, created); err != nil {
		a.log.WithError(err).Warnf("job %s created but failed to persist", created.ID)
	}
	return created, nil
}

// DeleteJob removes a scheduled job, from both the scheduler and disk.
func (a *App) DeleteJob(id string) error {
	if err := a.Scheduler.Delete(id); err != nil {
		return err
	}
	if err := a.Storage.DeleteJob(id); err != nil {
		a.log.WithError(err).Warnf("job %s deleted but failed to remove from disk", id)
	}
	return nil
}

// EnableJob and DisableJob toggle firing without touching the persisted
// schedule definition.
func (a *App) EnableJob(id string) error  { return a.Scheduler.Enable(id) }
func (a *App) DisableJob(id string) error { return a.Scheduler.Disable(id) }

// GetJob and ListJobs are plain read-throughs.
func (a *App) GetJob(id string) (scheduler.Job, bool) { return a.Scheduler.Get(id) }
func (a *App) ListJobs() []scheduler.Job              { return a.Scheduler.List() }
