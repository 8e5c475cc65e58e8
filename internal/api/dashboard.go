package api

import "net/http"

type dashboardSummary struct {
	Users         int `json:"users"`
	Subscriptions int `json:"subscriptions"`
	Activities    int `json:"activities"`
	Reports       int `json:"reports"`
}

// handleDashboardSummary returns the aggregated read-only counters §6
// documents under GET /dashboard/....
func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.CountUsers()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	subs, err := s.store.CountSubscriptions()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	activities, err := s.store.CountActivities()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	reports, err := s.store.CountReports()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, dashboardSummary{
		Users:         users,
		Subscriptions: subs,
		Activities:    activities,
		Reports:       reports,
	}, s.logger)
}
