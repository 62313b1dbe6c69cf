package logical

import "github.com/aretw0/portino/pkg/domain"

// Reduce is the pure, deterministic transition function of the logical state
// machine. Completion events carrying an attempt id that differs from the
// context's non-null current attempt id are stale and reduce to the input
// unchanged.
func Reduce(ctx domain.LogicalContext, event domain.Event) domain.LogicalContext {
	if staleAttempt(ctx, event) {
		return ctx
	}

	switch event.Type {
	case domain.EventPortSelected:
		return reduceSelected(ctx, event)

	case domain.EventPortDetected:
		ctx.SelectedDetected = true
		if ctx.State.Kind == domain.StateWaitingForPort && ctx.Desired == domain.DesiredStopped {
			ctx.State = domain.IdleState()
		}
		return ctx

	case domain.EventPortLost:
		ctx.SelectedDetected = false
		reason := event.Reason
		if reason == "" {
			reason = string(domain.PauseResourceMissing)
		}
		switch ctx.State.Kind {
		case domain.StateActive, domain.StateConnecting:
			ctx.State = domain.PausedState(ctx.SelectedPort, reason)
			ctx.CurrentAttemptID = 0
		case domain.StateIdle:
			if ctx.Desired == domain.DesiredRunning {
				ctx.State = domain.WaitingForPort(reason)
			}
		}
		return ctx

	case domain.EventUserStart:
		ctx.Desired = domain.DesiredRunning
		if !ctx.SelectedDetected {
			ctx.State = domain.WaitingForPort(string(domain.PauseResourceMissing))
		}
		return ctx

	case domain.EventUserStop:
		ctx.Desired = domain.DesiredStopped
		ctx.LastError = nil
		switch ctx.State.Kind {
		case domain.StateWaitingForPort, domain.StateError:
			ctx.State = domain.IdleState()
		}
		return ctx

	case domain.EventOpenRequested:
		ctx.CurrentAttemptID = event.AttemptID
		ctx.LastError = nil
		ctx.State = domain.ConnectingState(ctx.SelectedPort)
		return ctx

	case domain.EventOpenOK:
		ctx.LastCompletedAttemptID = event.AttemptID
		ctx.LastError = nil
		ctx.State = domain.ActiveState(ctx.SelectedPort)
		return ctx

	case domain.EventOpenFail:
		err := event.Err
		if err == nil {
			err = &domain.MonitorError{Code: domain.CodeOpenFailed}
		}
		ctx.LastCompletedAttemptID = event.AttemptID
		ctx.LastError = err
		ctx.State = domain.ErrorState(ctx.SelectedPort, err, err.Code != domain.CodeConfigConflict)
		return ctx

	case domain.EventStreamClosed:
		ctx.CurrentAttemptID = 0
		reason := event.Reason
		if reason == "" {
			reason = string(domain.PauseStreamClosed)
		}
		if ctx.Desired == domain.DesiredRunning {
			ctx.State = domain.PausedState(ctx.SelectedPort, reason)
		} else {
			ctx.State = domain.IdleState()
		}
		return ctx

	case domain.EventBridgeDisconnected:
		ctx.CurrentAttemptID = 0
		switch ctx.State.Kind {
		case domain.StateActive, domain.StateConnecting:
			ctx.State = domain.PausedState(ctx.SelectedPort, string(domain.PauseBridgeGone))
		}
		return ctx

	case domain.EventBaudrateChanged:
		// The monitor is cycled by the session layer; the context changes
		// again via OPEN_REQUESTED once the reopen starts.
		return ctx

	case domain.EventReset:
		next := domain.NewLogicalContext()
		next.SelectedPort = ctx.SelectedPort
		next.SelectedDetected = ctx.SelectedDetected
		return next
	}

	return ctx
}

// staleAttempt implements latest-wins attempt correlation. OPEN_REQUESTED
// adopts any newer attempt; completions must match the current one exactly.
func staleAttempt(ctx domain.LogicalContext, event domain.Event) bool {
	if event.AttemptID == 0 || ctx.CurrentAttemptID == 0 {
		return false
	}
	if event.Type == domain.EventOpenRequested {
		return event.AttemptID < ctx.CurrentAttemptID
	}
	return event.AttemptID != ctx.CurrentAttemptID
}

func reduceSelected(ctx domain.LogicalContext, event domain.Event) domain.LogicalContext {
	if ctx.SelectedPort == event.Port {
		ctx.SelectedDetected = event.Detected
		return ctx
	}

	// Selecting a different port starts a fresh context; the user's running
	// desire follows the selection.
	next := domain.NewLogicalContext()
	next.SelectedPort = event.Port
	next.SelectedDetected = event.Detected
	next.Desired = ctx.Desired
	if next.Desired == domain.DesiredRunning && !next.SelectedDetected {
		next.State = domain.WaitingForPort(string(domain.PauseResourceMissing))
	}
	return next
}

// FromPhysicalState maps one raw bridge transition into the ordered event
// list that reconstructs the equivalent logical context for a late-joining
// observer. It is a pure lookup: the table rows are instantiated with the
// port and attempt id of the transition.
func FromPhysicalState(port domain.PortKey, state domain.PhysicalState, attemptID int64) []domain.Event {
	row, ok := physicalTable[state]
	if !ok {
		return nil
	}
	events := make([]domain.Event, 0, len(row))
	for _, tpl := range row {
		ev := domain.Event{Type: tpl.typ, Reason: tpl.reason}
		switch tpl.typ {
		case domain.EventPortSelected:
			ev.Port = port
			ev.Detected = tpl.detected
		case domain.EventPortDetected, domain.EventPortLost:
			// membership only
		case domain.EventOpenRequested, domain.EventOpenOK, domain.EventOpenFail:
			ev.AttemptID = attemptID
			if tpl.typ == domain.EventOpenFail {
				ev.Err = &domain.MonitorError{Code: domain.CodeOpenFailed, Message: "monitor failed"}
			}
		}
		events = append(events, ev)
	}
	return events
}

type eventTemplate struct {
	typ      domain.EventType
	detected bool
	reason   string
}

// physicalTable is the transition-alphabet translation. Each physical state
// expands to the full ordered prefix of logical events that leads there, so
// a single snapshot carries complete context.
var physicalTable = map[domain.PhysicalState][]eventTemplate{
	domain.PhysicalCreated: {
		{typ: domain.EventPortSelected, detected: true},
	},
	domain.PhysicalStarting: {
		{typ: domain.EventPortSelected, detected: true},
		{typ: domain.EventUserStart},
		{typ: domain.EventOpenRequested},
	},
	domain.PhysicalStarted: {
		{typ: domain.EventPortSelected, detected: true},
		{typ: domain.EventUserStart},
		{typ: domain.EventOpenRequested},
		{typ: domain.EventPortDetected},
		{typ: domain.EventOpenOK},
	},
	domain.PhysicalStopping: {
		{typ: domain.EventPortSelected, detected: true},
		{typ: domain.EventUserStop},
	},
	domain.PhysicalStopped: {
		{typ: domain.EventPortSelected, detected: true},
		{typ: domain.EventUserStop},
		{typ: domain.EventStreamClosed},
	},
	domain.PhysicalFailed: {
		{typ: domain.EventPortSelected, detected: true},
		{typ: domain.EventUserStart},
		{typ: domain.EventOpenRequested},
		{typ: domain.EventOpenFail},
	},
}
