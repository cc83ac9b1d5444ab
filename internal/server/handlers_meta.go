package server

import (
	"net/http"

	"photovault/internal/api"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.writeServiceError(w, r, err, ErrCodeBlobNotFound)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.StoreInfo(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeBlobNotFound)
		return
	}

	resp := api.InfoResponse{
		Version:        s.version,
		DBPath:         s.dbPath,
		SchemaVersion:  info.SchemaVersion,
		DefaultBucket:  s.defaultBucket,
		ObjectCounts:   info.ObjectCounts,
		ObjectBytes:    info.ObjectBytes,
		TotalObjects:   info.TotalObjects,
		ReportLinks:    info.ReportLinks,
		ActiveSessions: s.uploads.ActiveSessions(),
	}
	if s.stagingUsage != nil {
		resp.StagingBytes = s.stagingUsage()
	}

	s.writeJSON(w, http.StatusOK, resp)
}
