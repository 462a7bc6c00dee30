// ABOUTME: REST API handlers for agent registration, approval, customers, and commands.
// ABOUTME: Command dispatch blocks until the agent reports a terminal result.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dadude-io/dadude/internal/auth"
	"github.com/dadude-io/dadude/internal/dispatch"
	"github.com/dadude-io/dadude/internal/protocol"
	"github.com/dadude-io/dadude/internal/store"
)

// RegisterAgentRequest is the JSON request body for POST /api/v1/agents/register.
type RegisterAgentRequest struct {
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type"`
	DisplayName string `json:"display_name,omitempty"`
	Version     string `json:"version,omitempty"`
	Token       string `json:"token,omitempty"`
}

// RegisterAgentResponse is the JSON response for agent registration.
// Token is only present when the server generated one for a new agent;
// it is never shown again.
type RegisterAgentResponse struct {
	AgentID    string `json:"agent_id"`
	Approval   string `json:"approval"`
	CustomerID string `json:"customer_id,omitempty"`
	Token      string `json:"token,omitempty"`
}

// AgentResponse is the JSON representation of one registered agent.
type AgentResponse struct {
	ID          string     `json:"id"`
	AgentType   string     `json:"agent_type"`
	DisplayName string     `json:"display_name,omitempty"`
	Approval    string     `json:"approval"`
	CustomerID  string     `json:"customer_id,omitempty"`
	Version     string     `json:"version,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ApproveAgentRequest is the JSON request body for POST /api/v1/agents/{id}/approve.
type ApproveAgentRequest struct {
	Approved   bool   `json:"approved"`
	CustomerID string `json:"customer_id,omitempty"`
}

// DispatchCommandRequest is the JSON request body for POST /api/v1/agents/{id}/commands.
type DispatchCommandRequest struct {
	Action         string          `json:"action"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// DispatchCommandResponse is the JSON response once the agent reports a
// terminal result.
type DispatchCommandResponse struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandLogEntry is the JSON representation of one command log record.
type CommandLogEntry struct {
	CommandID  string     `json:"command_id"`
	AgentID    string     `json:"agent_id"`
	Action     string     `json:"action"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CreateCustomerRequest is the JSON request body for POST /api/v1/customers.
type CreateCustomerRequest struct {
	Name string `json:"name"`
}

// CustomerResponse is the JSON representation of one customer.
type CustomerResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleRegisterAgent handles POST /api/v1/agents/register.
// Registration is open and idempotent: a new agent lands in pending state,
// an existing agent only refreshes its metadata. Credentials and approval
// never change through this endpoint.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if !protocol.ValidAgentType(req.AgentType) {
		s.sendJSONError(w, http.StatusBadRequest, "unknown agent_type")
		return
	}

	// Only a brand-new registration gets a generated token back.
	var generatedToken string
	_, err := s.store.GetAgent(r.Context(), req.AgentID)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		s.sendJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	token := req.Token
	if isNew && token == "" {
		token, err = auth.NewAgentToken()
		if err != nil {
			s.sendJSONError(w, http.StatusInternalServerError, "token generation failed")
			return
		}
		generatedToken = token
	}

	agent, err := s.store.RegisterAgent(r.Context(), store.RegisterParams{
		AgentID:     req.AgentID,
		AgentType:   req.AgentType,
		Token:       token,
		DisplayName: req.DisplayName,
		Version:     req.Version,
	})
	if err != nil {
		s.logger.Error("agent registration failed", "agent_id", req.AgentID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
		s.logger.Info("agent registered", "agent_id", agent.ID, "agent_type", agent.AgentType)
	}
	s.writeJSON(w, status, RegisterAgentResponse{
		AgentID:    agent.ID,
		Approval:   string(agent.Approval),
		CustomerID: agent.CustomerID,
		Token:      generatedToken,
	})
}

// handleListAgents handles GET /api/v1/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "listing agents failed")
		return
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, s.agentResponse(a))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:          a.ID,
		AgentType:   a.AgentType,
		DisplayName: a.DisplayName,
		Approval:    string(a.Approval),
		CustomerID:  a.CustomerID,
		Version:     a.Version,
		Online:      s.hub.IsOnline(a.ID),
		LastSeen:    a.LastSeen,
		CreatedAt:   a.CreatedAt,
	}
}

// handleAgentRoutes dispatches /api/v1/agents/{id}[/...] requests.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	agentID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetAgent(w, r, agentID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteAgent(w, r, agentID)
	case len(parts) == 2 && parts[1] == "approve" && r.Method == http.MethodPost:
		s.handleApproveAgent(w, r, agentID)
	case len(parts) == 2 && parts[1] == "commands" && r.Method == http.MethodPost:
		s.handleDispatchCommand(w, r, agentID)
	case len(parts) == 2 && parts[1] == "commands" && r.Method == http.MethodGet:
		s.handleListCommands(w, r, agentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleGetAgent handles GET /api/v1/agents/{id}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.agentResponse(agent))
}

// handleApproveAgent handles POST /api/v1/agents/{id}/approve. Approval
// binds the agent to a customer; rejection clears the binding and kicks a
// connected agent off.
func (s *Server) handleApproveAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	var req ApproveAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Approved && req.CustomerID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "customer_id is required for approval")
		return
	}
	if req.Approved {
		if _, err := s.store.GetCustomer(r.Context(), req.CustomerID); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "unknown customer_id")
			return
		}
	}

	if err := s.store.SetApproval(r.Context(), agentID, req.Approved, req.CustomerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "approval update failed")
		return
	}

	// A rejected agent loses its live session immediately.
	if !req.Approved {
		if session, ok := s.hub.Get(agentID); ok {
			s.cleanup(session)
		}
	}

	s.logger.Info("agent approval updated", "agent_id", agentID, "approved", req.Approved,
		"customer_id", req.CustomerID, "by", auth.SubjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAgent handles DELETE /api/v1/agents/{id}.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if session, ok := s.hub.Get(agentID); ok {
		s.cleanup(session)
	}

	if err := s.store.DeleteAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	s.logger.Info("agent deleted", "agent_id", agentID, "by", auth.SubjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleDispatchCommand handles POST /api/v1/agents/{id}/commands. The
// request blocks until the agent reports success or error, the command
// times out, or the agent disconnects. Commands are never queued for
// offline agents.
func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request, agentID string) {
	var req DispatchCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	handle, err := s.dispatcher.Send(r.Context(), agentID, req.Action, req.Params, timeout)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidAction):
			s.sendJSONError(w, http.StatusBadRequest, "unknown action")
		case errors.Is(err, dispatch.ErrAgentDisconnected):
			s.sendJSONError(w, http.StatusServiceUnavailable, "agent disconnected")
		default:
			s.sendJSONError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	res, err := handle.Wait(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrTimeout):
			s.sendJSONError(w, http.StatusGatewayTimeout, "command timed out")
		case errors.Is(err, dispatch.ErrAgentDisconnected):
			s.sendJSONError(w, http.StatusServiceUnavailable, "agent disconnected")
		default:
			// Client went away; nothing useful left to write.
			s.logger.Debug("command wait aborted", "command_id", handle.CommandID, "error", err)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, DispatchCommandResponse{
		CommandID: res.CommandID,
		Status:    res.Status,
		Payload:   res.Payload,
	})
}

// handleListCommands handles GET /api/v1/agents/{id}/commands.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request, agentID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.store.ListCommands(r.Context(), agentID, limit)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "listing commands failed")
		return
	}

	resp := make([]CommandLogEntry, 0, len(records))
	for _, rec := range records {
		resp = append(resp, CommandLogEntry{
			CommandID:  rec.CommandID,
			AgentID:    rec.AgentID,
			Action:     rec.Action,
			Status:     rec.Status,
			Detail:     rec.Detail,
			CreatedAt:  rec.CreatedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCustomers handles GET and POST /api/v1/customers.
func (s *Server) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListCustomers(w, r)
	case http.MethodPost:
		s.handleCreateCustomer(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.store.ListCustomers(r.Context())
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "listing customers failed")
		return
	}

	resp := make([]CustomerResponse, 0, len(customers))
	for _, c := range customers {
		resp = append(resp, CustomerResponse{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	customer := &store.Customer{
		ID:        uuid.New().String(),
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateCustomer(r.Context(), customer); err != nil {
		if errors.Is(err, store.ErrDuplicateCustomer) {
			s.sendJSONError(w, http.StatusConflict, "customer already exists")
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, "creating customer failed")
		return
	}

	s.logger.Info("customer created", "customer_id", customer.ID, "name", customer.Name)
	s.writeJSON(w, http.StatusCreated, CustomerResponse{ID: customer.ID, Name: customer.Name, CreatedAt: customer.CreatedAt})
}
