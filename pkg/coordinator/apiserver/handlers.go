/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// Coordinator is the slice of the coordinator core the HTTP surface consumes.
type Coordinator interface {
	IsRunning() bool
	IsLeader() bool
	InstanceID() string
	SystemHealth() float64
	Services() map[string]core.ServiceHealth
	Metrics() core.SystemMetrics
	TopOpportunities(limit int) []*core.Opportunity
	RequestRestart(ctx context.Context, service string) error
	AlertHistory() []core.Alert
	ActiveCooldowns() []string
	AcknowledgeAlert(key string) bool
}

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const topOpportunities = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.coord.SystemHealth()
	status := "healthy"
	if health < 50 {
		status = "degraded"
	}
	body := map[string]any{
		"status":       status,
		"systemHealth": health,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if _, ok := identityFrom(r); ok {
		body["isLeader"] = s.coord.IsLeader()
		body["instanceId"] = s.coord.InstanceID()
		body["services"] = s.coord.Services()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	health := s.coord.SystemHealth()
	running := s.coord.IsRunning()
	if running && health > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ready",
			"isRunning":    true,
			"systemHealth": health,
		})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":       "not_ready",
		"isRunning":    running,
		"systemHealth": health,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Metrics())
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	services := s.coord.Services()
	writeJSON(w, http.StatusOK, map[string]any{
		"services": services,
		"count":    len(services),
	})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, _ *http.Request) {
	opportunities := s.coord.TopOpportunities(topOpportunities)
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": opportunities,
		"count":         len(opportunities),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"history":         s.coord.AlertHistory(),
		"activeCooldowns": s.coord.ActiveCooldowns(),
	})
}

func (s *Server) handleLeader(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"isLeader":   s.coord.IsLeader(),
		"instanceId": s.coord.InstanceID(),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if !nameRegex.MatchString(service) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid service name"})
		return
	}
	if !lo.Contains(s.cfg.RestartAllowList, service) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Service not found"})
		return
	}
	if !s.coord.IsLeader() {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "Not the leader"})
		return
	}
	if err := s.coord.RequestRestart(r.Context(), service); err != nil {
		s.logger.Errorw("failed to request restart", "service", service, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Restart requested for " + service,
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alert := chi.URLParam(r, "alert")
	if !nameRegex.MatchString(alert) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid alert name"})
		return
	}
	acknowledged := s.coord.AcknowledgeAlert(alert)
	message := "Alert acknowledged"
	if !acknowledged {
		message = "Alert not found in cooldowns"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": acknowledged,
		"message": message,
	})
}
