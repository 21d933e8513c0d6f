package api

import (
	"net/http"

	"github.com/nerrad567/gray-logic-espnode/internal/bridge"
)

// handleDiscovery reports espnode devices currently visible via mDNS.
// Browse results that correspond to a configured node are flagged, so
// provisioning tools can surface only the unclaimed devices. When discovery
// is disabled the endpoint still answers, with enabled=false and no nodes.
func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	nodes, enabled := s.bridge.DiscoveredNodes()
	if nodes == nil {
		nodes = []bridge.DiscoveredNode{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": enabled,
		"nodes":   nodes,
		"count":   len(nodes),
	})
}
