package api

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nugget/sentinel/internal/config"
)

// settingsMu serializes config file writes; the in-memory *config.Config
// the rest of the process reads is swapped under the same lock so a
// concurrent GET never observes a half-written struct.
var settingsMu sync.Mutex

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	writeJSON(w, s.cfg, s.logger)
}

// handleSettingsPut replaces the in-memory configuration and persists
// it back to configPath as YAML, matching internal/config's Load shape
// (plain struct, yaml.v3 tags) in reverse.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var next config.Config
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := next.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	settingsMu.Lock()
	defer settingsMu.Unlock()

	if s.configPath != "" {
		data, err := yaml.Marshal(&next)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "marshal config: "+err.Error())
			return
		}
		if err := os.WriteFile(s.configPath, data, 0o644); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "write config: "+err.Error())
			return
		}
	}

	*s.cfg = next
	writeJSON(w, s.cfg, s.logger)
}
