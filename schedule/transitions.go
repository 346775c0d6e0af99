package schedule

import "github.com/enamel/clinic-core/clinic"

// allowedTransitions enumerates every legal status edge. Anything not
// listed here is rejected, which makes cancelled, completed and no_show
// terminal: they have no outgoing edges.
var allowedTransitions = map[clinic.AppointmentStatus]map[clinic.AppointmentStatus]bool{
	clinic.StatusScheduled: {
		clinic.StatusConfirmed: true,
		clinic.StatusCancelled: true,
		clinic.StatusCompleted: true,
		clinic.StatusNoShow:    true,
	},
	clinic.StatusConfirmed: {
		clinic.StatusCancelled: true,
		clinic.StatusCompleted: true,
		clinic.StatusNoShow:    true,
	},
}

func canTransition(from, to clinic.AppointmentStatus) bool {
	return allowedTransitions[from][to]
}
