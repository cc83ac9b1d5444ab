package server

import (
	"net/http"

	"photovault/internal/api"
)

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	s.withLimiter(w, r, s.sweepLimiter, "sweep", func() {
		result := s.sweeper.Sweep(r.Context())
		s.writeJSON(w, http.StatusOK, api.SweepResponse{
			Scanned: result.Scanned,
			Removed: result.Removed,
			Failed:  result.Failed,
		})
	})
}
