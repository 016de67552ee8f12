package sync

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/ortholife/clinicsync/internal/errors"
	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/sync/conflict"
)

// ResolveConsultationConflict applies the user's choice for a consultation
// conflict. KeepLocal commits the queued payload without re-checking the
// server; KeepServer discards it. When the forced commit cannot reach the
// server the conflict stays open and the error carries ErrSyncTransport.
func (e *Engine) ResolveConsultationConflict(ctx context.Context, changeID string, res conflict.ConsultationResolution) error {
	if _, err := conflict.ParseConsultationResolution(string(res)); err != nil {
		return err
	}

	e.passMu.Lock()
	defer e.passMu.Unlock()

	open, ok := e.conflict(changeID)
	cc, isConsultation := open.(*conflict.ConsultationConflict)
	if !ok || !isConsultation {
		return fmt.Errorf("%w: %s", ErrNotConflicted, changeID)
	}

	switch res {
	case conflict.KeepServer:
		if err := e.queue.Dequeue(ctx, changeID); err != nil {
			return err
		}
	case conflict.KeepLocal:
		snap, err := e.queue.Begin(ctx, changeID)
		if err != nil {
			return err
		}
		p, err := snap.ConsultationPayload()
		if err != nil {
			e.drop(ctx, snap, err, nil)
			return err
		}
		updatedAt, err := e.store.CommitConsultation(ctx, snap.EntityKey, p)
		if err != nil {
			e.reopen(ctx, changeID)
			return apperrors.Wrap(apperrors.ErrSyncTransport, "commit local consultation", err)
		}
		if _, err := e.queue.MarkCommitted(ctx, changeID, snap.Revision, updatedAt); err != nil {
			return err
		}
		if p.Status == models.ConsultationCompleted && cc.Server.Status != models.ConsultationCompleted {
			e.emit(Event{
				Type:           EventConsultationCompleted,
				ChangeID:       changeID,
				Kind:           snap.Kind,
				EntityKey:      snap.EntityKey,
				PatientID:      p.PatientDetails.ID,
				ConsultationID: snap.EntityKey,
				Message:        fmt.Sprintf("consultation for %s completed", p.PatientDetails.Name),
			})
		}
	}

	e.closeConflict(ctx, changeID, models.KindConsultationUpdate, cc.ConsultationID, string(res))
	return nil
}

// ResolvePatientConflict applies the user's choice for a patient conflict.
// CreateNew registers the offline patient as new. MergeWith re-keys the
// registration to the chosen existing patient and attaches the consultation
// there; queued edits that referenced the offline id follow it.
func (e *Engine) ResolvePatientConflict(ctx context.Context, changeID string, res conflict.PatientResolution) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	open, ok := e.conflict(changeID)
	pc, isPatient := open.(*conflict.PatientConflict)
	if !ok || !isPatient {
		return fmt.Errorf("%w: %s", ErrNotConflicted, changeID)
	}
	if err := res.Validate(pc); err != nil {
		return err
	}

	if !res.IsNew() {
		if _, err := e.queue.Update(ctx, changeID, func(c *models.QueuedChange) error {
			c.EntityKey = res.MergeWith
			return nil
		}); err != nil {
			return err
		}
	}

	snap, err := e.queue.Begin(ctx, changeID)
	if err != nil {
		return err
	}
	pp, err := validPatientPayload(snap)
	if err != nil {
		e.drop(ctx, snap, err, nil)
		return err
	}
	if pp.Patient.ID == res.MergeWith {
		pp.Patient.ID = pc.OfflinePatient.ID
	}

	if !res.IsNew() {
		existing, _ := pc.Candidate(res.MergeWith)
		pp.Patient = mergedPatient(existing, pp.Patient.ID)
	}
	commit, err := e.store.CommitPatient(ctx, registration(pp, res.MergeWith))
	if err != nil {
		if !res.IsNew() {
			e.restoreKey(ctx, changeID, pc.OfflinePatient.ID)
		}
		e.reopen(ctx, changeID)
		return apperrors.Wrap(apperrors.ErrSyncTransport, "register patient", err)
	}
	e.finishRegistration(ctx, snap, pp, res.MergeWith, commit)

	e.closeConflict(ctx, changeID, models.KindPatientCreate, pc.OfflinePatient.ID, res.String())
	return nil
}

// ResolveInteractive walks the open conflicts through surface. A cancelled
// decision leaves that conflict open and moves on. It returns how many
// conflicts were resolved.
func (e *Engine) ResolveInteractive(ctx context.Context, surface conflict.Surface) (int, error) {
	resolved := 0
	for _, c := range e.Conflicts() {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		var err error
		switch v := c.(type) {
		case *conflict.ConsultationConflict:
			var res conflict.ConsultationResolution
			res, err = surface.DecideConsultation(ctx, v)
			if err == nil {
				err = e.ResolveConsultationConflict(ctx, v.ChangeID, res)
			}
		case *conflict.PatientConflict:
			var res conflict.PatientResolution
			res, err = surface.DecidePatient(ctx, v)
			if err == nil {
				err = e.ResolvePatientConflict(ctx, v.ChangeID, res)
			}
		}

		switch {
		case err == nil:
			resolved++
		case errors.Is(err, conflict.ErrDecisionCancelled):
			e.log.Info().Str("change_id", c.QueuedChangeID()).Msg("conflict decision deferred")
		default:
			return resolved, err
		}
	}
	return resolved, nil
}

// reopen parks a change whose resolution could not be committed.
func (e *Engine) reopen(ctx context.Context, changeID string) {
	if err := e.queue.MarkConflicted(context.WithoutCancel(ctx), changeID); err != nil {
		e.log.Error().Err(err).Str("change_id", changeID).Msg("failed to reopen conflict")
	}
}

// restoreKey puts a registration back under its offline id after a merge
// could not be committed, so edits waiting on that id keep waiting.
func (e *Engine) restoreKey(ctx context.Context, changeID, offlineID string) {
	if _, err := e.queue.Update(context.WithoutCancel(ctx), changeID, func(c *models.QueuedChange) error {
		c.EntityKey = offlineID
		return nil
	}); err != nil {
		e.log.Error().Err(err).Str("change_id", changeID).Str("offline_id", offlineID).Msg("failed to restore registration key")
	}
}

func (e *Engine) closeConflict(ctx context.Context, changeID string, kind models.ChangeKind, entityKey, resolution string) {
	e.mu.Lock()
	delete(e.conflicts, changeID)
	e.mu.Unlock()

	if e.conflictLog != nil {
		if err := e.conflictLog.Resolve(ctx, changeID, resolution, e.now().Unix()); err != nil {
			e.log.Warn().Err(err).Str("change_id", changeID).Msg("failed to record resolution")
		}
	}
	e.log.Info().Str("change_id", changeID).Str("resolution", resolution).Msg("conflict resolved")
	e.emit(Event{
		Type:       EventConflictResolved,
		ChangeID:   changeID,
		Kind:       kind,
		EntityKey:  entityKey,
		Resolution: resolution,
	})
}

// mergedPatient is the registration body for a merge: the server's copy of
// the patient, carrying the offline id so queued edits can be re-pointed.
func mergedPatient(existing models.Patient, offlineID string) models.Patient {
	p := existing
	p.ID = offlineID
	return p
}
