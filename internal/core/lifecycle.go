package core

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// Lifecycle events for an ingress event.
const (
	eventClaim   = "claim"
	eventAccept  = "accept"
	eventReject  = "reject"
	eventRequeue = "requeue"
	eventResolve = "resolve"
)

// ingressTransitions is the full status graph. ACCEPTED is terminal; REJECTED
// only leaves through manual resolution.
var ingressTransitions = fsm.Events{
	{Name: eventClaim, Src: []string{EventStatusReceived}, Dst: EventStatusProcessing},
	{Name: eventAccept, Src: []string{EventStatusProcessing}, Dst: EventStatusAccepted},
	{Name: eventReject, Src: []string{EventStatusProcessing}, Dst: EventStatusRejected},
	{Name: eventRequeue, Src: []string{EventStatusProcessing}, Dst: EventStatusReceived},
	{Name: eventResolve, Src: []string{EventStatusRejected}, Dst: EventStatusAccepted},
}

// nextStatus returns the status reached by firing lifecycleEvent from current.
func nextStatus(ctx context.Context, current, lifecycleEvent string) (string, error) {
	machine := fsm.NewFSM(current, ingressTransitions, fsm.Callbacks{})
	if err := machine.Event(ctx, lifecycleEvent); err != nil {
		return "", fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, lifecycleEvent, current, err)
	}
	return machine.Current(), nil
}

// transitionEvent persists a lifecycle step with a conditional update so that
// concurrent actors cannot both move the same event. ErrClaimLost means the
// row was no longer in the expected status.
func transitionEvent(ctx context.Context, repo Repository, event *IngressEvent, lifecycleEvent string, updates map[string]interface{}) error {
	to, err := nextStatus(ctx, event.Status, lifecycleEvent)
	if err != nil {
		return err
	}
	ok, err := repo.TransitionEvent(ctx, event.ID, event.Status, to, updates)
	if err != nil {
		return fmt.Errorf("failed to %s event %s: %w", lifecycleEvent, event.EventID, err)
	}
	if !ok {
		return ErrClaimLost
	}
	event.Status = to
	return nil
}

// utcNow keeps stored timestamps comparable across drivers.
func utcNow() time.Time {
	return time.Now().UTC()
}
