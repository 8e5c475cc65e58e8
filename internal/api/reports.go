package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nugget/sentinel/internal/store"
)

type reportGenerateRequest struct {
	OwnerUserID    int64  `json:"ownerUserId"`
	SubscriptionID int64  `json:"subscriptionId"`
	Kind           string `json:"kind"`
	Format         string `json:"format,omitempty"`
}

func (s *Server) handleReportGenerate(w http.ResponseWriter, r *http.Request) {
	var req reportGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskID, err := s.orch.GenerateReport(req.OwnerUserID, req.SubscriptionID, req.Kind, req.Format)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"taskId": taskID, "status": "generating"}, s.logger)
}

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	ownerStr := r.URL.Query().Get("ownerUserId")
	if ownerStr == "" {
		s.errorResponse(w, http.StatusBadRequest, "ownerUserId query parameter is required")
		return
	}
	ownerID, err := parseID(ownerStr)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid ownerUserId")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	reports, err := s.store.ListReportsByOwner(ownerID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"reports": reports}, s.logger)
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid report id")
		return
	}
	report, err := s.store.GetReport(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, report, s.logger)
}

func (s *Server) handleReportDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid report id")
		return
	}
	if err := s.store.DeleteReport(id); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReportDownload returns the rendered report body with a
// Content-Disposition attachment header, per §6.
func (s *Server) handleReportDownload(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid report id")
		return
	}
	report, err := s.store.GetReport(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if report.Status != store.ReportCompleted {
		s.errorResponse(w, http.StatusConflict, "report is not completed")
		return
	}

	ext := "md"
	contentType := "text/markdown; charset=utf-8"
	if report.Format == store.ReportFormatHTML {
		ext = "html"
		contentType = "text/html; charset=utf-8"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\"report-"+strconv.FormatInt(report.ID, 10)+"."+ext+"\"")
	w.Write([]byte(report.Body))
}
