package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/fact/filetree"
	"github.com/InsulaLabs/fact/models"
)

const (
	componentFrontend = "frontend"
	componentDatabase = "database"
	componentBackend  = "backend"
)

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	dbStats := s.cfg.Store.Stats()
	schedStats := s.cfg.Scheduler.Stats()

	frontend := models.ComponentStatus{
		Healthy: true,
		Status:  "running",
		Counts:  map[string]int{"uptime_seconds": int(time.Since(s.startedAt).Seconds())},
	}

	database := models.ComponentStatus{
		Healthy: dbStats.Errors == 0 || dbStats.Errors < dbStats.Reads+dbStats.Writes,
		Counts: map[string]int{
			"reads":     int(dbStats.Reads),
			"writes":    int(dbStats.Writes),
			"errors":    int(dbStats.Errors),
			"firmwares": dbStats.Firmwares,
		},
	}
	database.Status = "ok"
	if !database.Healthy {
		database.Status = "degraded"
	}

	backend := models.ComponentStatus{
		Healthy: true,
		Status:  "idle",
		Counts: map[string]int{
			"pending":     schedStats.Pending,
			"dispatched":  schedStats.Dispatched,
			"queued":      schedStats.Queued,
			"done":        int(schedStats.Done),
			"failed":      int(schedStats.Failed),
			"active_runs": schedStats.ActiveRuns,
			"runs":        int(schedStats.Runs),
		},
	}
	if schedStats.ActiveRuns > 0 {
		backend.Status = "busy"
	}
	if s.cfg.Workers != nil {
		workers := s.cfg.Workers()
		backend.Counts["workers"] = workers
		if workers == 0 && schedStats.Pending+schedStats.Dispatched > 0 {
			backend.Healthy = false
			backend.Status = "no workers"
		}
	}

	if !database.Healthy && !backend.Healthy {
		s.writeError(w, r, http.StatusServiceUnavailable, "cannot get component status: database and backend are unhealthy")
		return
	}

	s.writeJSON(w, http.StatusOK, models.StatusResponse{
		SystemStatus: map[string]models.ComponentStatus{
			componentFrontend: frontend,
			componentDatabase: database,
			componentBackend:  backend,
		},
		Plugins: s.cfg.Registry.Info(),
	})
}

type treeResponse struct {
	UID     string                 `json:"uid"`
	RootUID string                 `json:"root_uid"`
	Nodes   []*filetree.Projection `json:"nodes"`
}

func (s *Service) treeHandler(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	root := r.URL.Query().Get("root")
	if root == "" {
		root = uid
	}
	depth := s.cfg.MaxDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, http.StatusBadRequest, "depth must be a non negative integer")
			return
		}
		depth = d
	}

	nodes, err := s.cfg.Tree.Expand(r.Context(), uid, root, depth)
	if err != nil {
		s.logger.Debug("could not build tree", "uid", uid, "root_uid", root, "error", err)
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, treeResponse{UID: uid, RootUID: root, Nodes: nodes})
}

func (s *Service) objectHandler(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	fo, err := s.cfg.Store.GetObject(uid)
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	hid, err := s.cfg.Tree.GetHID(uid, r.URL.Query().Get("root"))
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, models.ObjectResponse{Object: fo, HID: hid})
}

func (s *Service) parentsHandler(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if _, err := s.cfg.Store.GetObject(uid); err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	parents, err := s.cfg.Store.GetParents(uid)
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	roots, err := s.cfg.Store.AncestorRoots(uid)
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, models.ParentsResponse{UID: uid, Parents: parents, Roots: roots})
}

func (s *Service) runHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := s.cfg.Scheduler.Run(r.PathValue("id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "unknown run")
		return
	}
	s.writeJSON(w, http.StatusOK, run.Summary())
}

func (s *Service) missingAnalysesHandler(w http.ResponseWriter, r *http.Request) {
	missing, err := s.cfg.Store.FindMissingAnalyses()
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	failed, err := s.cfg.Store.FindFailedAnalyses()
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	orphaned, err := s.cfg.Store.FindOrphanedObjects()
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, models.MissingAnalysesResponse{
		Missing:  missing,
		Failed:   failed,
		Orphaned: orphaned,
	})
}
