package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"switchgrid/internal/broker"
	"switchgrid/internal/store"
	"switchgrid/internal/telemetry"
)

func (s *Server) handleListLayouts(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	layouts, err := s.store.ListLayouts(owner)
	if err != nil {
		s.logger.Error("list layouts", "owner", owner, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if layouts == nil {
		layouts = []*store.Layout{}
	}
	s.writeJSON(w, http.StatusOK, layouts)
}

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	owner, id := r.PathValue("owner"), r.PathValue("id")
	layout, err := s.store.GetLayout(owner, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "layout not found"})
			return
		}
		s.logger.Error("get layout", "owner", owner, "layout", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, layout)
}

type saveLayoutRequest struct {
	Name  string             `json:"name"`
	Nodes []store.SwitchNode `json:"nodes"`
}

// handleSaveLayout stores the layout and reconciles broker subscriptions:
// devices appearing on the saved layout are subscribed, devices the owner no
// longer references anywhere are torn down.
func (s *Server) handleSaveLayout(w http.ResponseWriter, r *http.Request) {
	owner, id := r.PathValue("owner"), r.PathValue("id")

	var req saveLayoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	for i := range req.Nodes {
		req.Nodes[i].Address = telemetry.NormalizeAddress(req.Nodes[i].Address)
	}

	before, err := s.store.GetLayout(owner, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("load previous layout", "owner", owner, "layout", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	layout := &store.Layout{
		OwnerID:   owner,
		LayoutID:  id,
		Name:      req.Name,
		Nodes:     req.Nodes,
		LastSaved: time.Now(),
	}
	if err := s.store.SaveLayout(layout); err != nil {
		s.logger.Error("save layout", "owner", owner, "layout", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.syncSubscriptions(owner, before)
	s.writeJSON(w, http.StatusOK, layout)
}

// handleDeleteLayout removes the layout and tears down subscriptions for
// devices the owner's remaining layouts no longer reference.
func (s *Server) handleDeleteLayout(w http.ResponseWriter, r *http.Request) {
	owner, id := r.PathValue("owner"), r.PathValue("id")

	before, err := s.store.GetLayout(owner, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "layout not found"})
			return
		}
		s.logger.Error("load layout for delete", "owner", owner, "layout", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if err := s.store.DeleteLayout(owner, id); err != nil {
		s.logger.Error("delete layout", "owner", owner, "layout", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.syncSubscriptions(owner, before)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// syncSubscriptions subscribes every broker-backed device the owner's
// layouts currently reference, then tears down devices from the previous
// layout revision that are no longer referenced anywhere.
func (s *Server) syncSubscriptions(owner string, before *store.Layout) {
	layouts, err := s.store.ListLayouts(owner)
	if err != nil {
		s.logger.Error("list layouts for subscription sync", "owner", owner, "err", err)
		return
	}

	current := make(map[string]store.Device)
	for _, l := range layouts {
		for _, n := range l.Nodes {
			if n.BrokerURL == "" || n.Address == "" {
				continue
			}
			current[n.Address] = store.Device{
				OwnerID:    owner,
				Address:    n.Address,
				SwitchName: n.SwitchName,
				BrokerURL:  n.BrokerURL,
				Username:   n.Username,
				Password:   n.Password,
			}
		}
	}

	for _, dev := range current {
		if err := s.broker.EnsureSubscribed(dev); err != nil {
			s.logger.Error("subscribe device", "owner", owner, "address", dev.Address, "err", err)
		}
	}

	if before == nil {
		return
	}
	for _, n := range before.Nodes {
		if n.BrokerURL == "" || n.Address == "" {
			continue
		}
		if _, still := current[n.Address]; still {
			continue
		}
		s.broker.Teardown(store.Device{
			OwnerID:   owner,
			Address:   n.Address,
			BrokerURL: n.BrokerURL,
			Username:  n.Username,
			Password:  n.Password,
		})
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	alerts, err := s.store.ListAlerts(owner)
	if err != nil {
		s.logger.Error("list alerts", "owner", owner, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if alerts == nil {
		alerts = []*store.AlertEntry{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid alert sequence"})
		return
	}
	if err := s.store.DeleteAlert(owner, seq); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
			return
		}
		s.logger.Error("delete alert", "owner", owner, "seq", seq, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type nodeCommandRequest struct {
	IsOn bool `json:"is_on"`
}

// handleNodeCommand flips the commanded state of every node with the address
// across the owner's layouts. Locked switches refuse the command.
func (s *Server) handleNodeCommand(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	address := telemetry.NormalizeAddress(r.PathValue("address"))

	var req nodeCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	node, err := s.store.FindNode(owner, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "switch not found"})
			return
		}
		s.logger.Error("find node", "owner", owner, "address", address, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if node.Locked {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "switch is locked"})
		return
	}

	updated, err := s.store.UpdateNodes(owner, address, func(n *store.SwitchNode) {
		n.IsOn = req.IsOn
	})
	if err != nil {
		s.logger.Error("update node state", "owner", owner, "address", address, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.logger.Info("switch command", "owner", owner, "address", address, "is_on", req.IsOn, "nodes", updated)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "is_on": req.IsOn, "nodes": updated})
}

// handleNodeRefresh asks the device for a fresh parameter reading.
func (s *Server) handleNodeRefresh(w http.ResponseWriter, r *http.Request) {
	s.nodeRequest(w, r, s.broker.RequestReadParams)
}

// handleNodeIdentify asks the device for its hardware identity.
func (s *Server) handleNodeIdentify(w http.ResponseWriter, r *http.Request) {
	s.nodeRequest(w, r, s.broker.RequestDeviceInfo)
}

func (s *Server) nodeRequest(w http.ResponseWriter, r *http.Request, send func(ep broker.Endpoint, address string) error) {
	owner := r.PathValue("owner")
	address := telemetry.NormalizeAddress(r.PathValue("address"))

	node, err := s.store.FindNode(owner, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "switch not found"})
			return
		}
		s.logger.Error("find node", "owner", owner, "address", address, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if node.BrokerURL == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "switch has no broker"})
		return
	}

	ep := broker.Endpoint{URL: node.BrokerURL, Username: node.Username, Password: node.Password}
	if err := send(ep, address); err != nil {
		s.logger.Error("device request", "owner", owner, "address", address, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "device request failed"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

type scanRequest struct {
	BrokerURL string `json:"broker_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// handleScan asks a broker for the devices currently online. The broker must
// already have a connection, which any subscribed layout node provides.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.BrokerURL == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "broker_url is required"})
		return
	}

	ep := broker.Endpoint{URL: req.BrokerURL, Username: req.Username, Password: req.Password}
	if err := s.broker.RequestScan(ep); err != nil {
		s.logger.Error("scan request", "broker", req.BrokerURL, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "scan request failed"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json response", "err", err)
	}
}
