package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-espnode/internal/audit"
	"github.com/nerrad567/gray-logic-espnode/internal/bridge"
	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// Session operation bounds. Service calls are acknowledged by the device
// promptly; a refresh re-lists the full inventory and can take longer on
// large nodes.
const (
	serviceCallTimeout = 10 * time.Second
	refreshTimeout     = 30 * time.Second
)

// nodeSummary is the per-node status document returned by the node
// endpoints.
type nodeSummary struct {
	NodeID   string                `json:"node_id"`
	Driver   string                `json:"driver"`
	Address  string                `json:"address"`
	State    string                `json:"state"`
	Device   *bridge.DeviceSummary `json:"device,omitempty"`
	Entities int                   `json:"entities"`
	Services int                   `json:"services"`
	Stats    node.SessionStats     `json:"stats"`
}

// summarize builds the status document for one session.
func summarize(sess bridge.NodeSession) nodeSummary {
	return nodeSummary{
		NodeID:   sess.NodeID(),
		Driver:   sess.Driver(),
		Address:  sess.Address(),
		State:    string(sess.State()),
		Device:   bridge.DeviceSummaryFor(sess.Info(), sess.Identity()),
		Entities: len(sess.Registrar().Entities()),
		Services: len(sess.Registrar().Services()),
		Stats:    sess.Stats(),
	}
}

// requireSession resolves the session named by the {id} URL parameter,
// writing a 404 when the node is not configured.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (bridge.NodeSession, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := s.bridge.Session(id)
	if !ok {
		writeNotFound(w, "node not found")
		return nil, false
	}
	return sess, true
}

// handleListNodes returns a status summary for every configured node.
func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	ids := s.bridge.NodeIDs()
	nodes := make([]nodeSummary, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.bridge.Session(id)
		if !ok {
			continue
		}
		nodes = append(nodes, summarize(sess))
	}

	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

// handleGetNode returns one node's summary plus any health issues raised
// against it.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	_, issues := s.bridge.NodeHealth()
	nodeIssues := make([]bridge.HealthIssue, 0)
	for _, issue := range issues {
		if issue.NodeID == sess.NodeID() {
			nodeIssues = append(nodeIssues, issue)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node":   summarize(sess),
		"issues": nodeIssues,
	})
}

// handleNodeEntities returns the node's current entity inventory.
func (s *Server) handleNodeEntities(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	entities := sess.Registrar().Entities()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":  sess.NodeID(),
		"entities": entities,
		"count":    len(entities),
	})
}

// handleNodeServices returns the node's registered services.
func (s *Server) handleNodeServices(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	services := sess.Registrar().Services()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":  sess.NodeID(),
		"services": services,
		"count":    len(services),
	})
}

// handleCallService invokes a registered node service.
//
// Body: {"args": {...}} — optional; services without arguments accept an
// empty body.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	var body struct {
		Args map[string]any `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), serviceCallTimeout)
	defer cancel()

	if err := sess.ExecuteService(ctx, name, body.Args); err != nil {
		writeSessionError(w, err)
		return
	}

	details := map[string]any{"service": name}
	if len(body.Args) > 0 {
		details["args"] = body.Args
	}
	s.auditLog(audit.ActionServiceCall, sess.NodeID(), tokenNameFromContext(r.Context()), details)

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": sess.NodeID(),
		"service": name,
		"status":  "executed",
	})
}

// handleReconnect asks the session to drop its connection and redial with
// current credentials. The reconnect happens asynchronously; poll the node
// status to observe the result.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	sess.Reconnect()

	s.auditLog(audit.ActionReconnect, sess.NodeID(), tokenNameFromContext(r.Context()), nil)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"node_id": sess.NodeID(),
		"status":  "reconnecting",
	})
}

// handleRefresh re-fetches the node's entity and service inventory over the
// live connection and reports what changed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	entities, services, err := sess.Refresh(ctx)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	s.auditLog(audit.ActionRefresh, sess.NodeID(), tokenNameFromContext(r.Context()), map[string]any{
		"entities_added":   len(entities.Added),
		"entities_removed": len(entities.Removed),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":               sess.NodeID(),
		"entities_added":        len(entities.Added),
		"entities_removed":      len(entities.Removed),
		"entities_kept":         len(entities.Kept),
		"services_registered":   len(services.Register),
		"services_unregistered": len(services.Unregister),
	})
}
