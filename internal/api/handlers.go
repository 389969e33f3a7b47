package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"broker-resilience/internal/auth"
	"broker-resilience/internal/circuit"
	"broker-resilience/internal/cluster"
	"broker-resilience/internal/database"
	"broker-resilience/internal/degrade"

	"github.com/gin-gonic/gin"
)

// ============================================================================
// AUTH HANDLERS
// ============================================================================

// handleLogin verifies admin credentials and issues an access token
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := s.authManager.Login(req.Username, req.Password)
	if err != nil {
		errorResponse(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	successResponse(c, token)
}

// ============================================================================
// STATUS HANDLERS
// ============================================================================

// handleStatus returns the aggregated resiliency state
func (s *Server) handleStatus(c *gin.Context) {
	stats := s.resilience.GetStats()
	stats["websocket_clients"] = s.hub.GetClientCount()
	successResponse(c, stats)
}

// handleListBreakers returns a snapshot of every tracked breaker
func (s *Server) handleListBreakers(c *gin.Context) {
	successResponse(c, s.resilience.BreakerSnapshots())
}

// handleGetBreaker returns a single breaker snapshot. Lookup is done
// against existing snapshots so probing an unknown name never creates
// a breaker.
func (s *Server) handleGetBreaker(c *gin.Context) {
	name := c.Param("name")
	for _, snap := range s.resilience.BreakerSnapshots() {
		if snap.Name == name {
			successResponse(c, snap)
			return
		}
	}
	errorResponse(c, http.StatusNotFound, "Breaker not found")
}

// handleResetBreaker force-resets a breaker to closed
func (s *Server) handleResetBreaker(c *gin.Context) {
	name := c.Param("name")
	if !s.resilience.ResetBreaker(name) {
		errorResponse(c, http.StatusNotFound, "Breaker not found")
		return
	}

	s.logger.Info().
		Str("breaker", name).
		Str("user", auth.GetUsername(c)).
		Msg("Breaker force-reset via API")

	successResponse(c, gin.H{"breaker": name, "state": string(circuit.StateClosed)})
}

// ============================================================================
// CLUSTER HANDLERS
// ============================================================================

// handleClusterInstances returns the known cluster membership
func (s *Server) handleClusterInstances(c *gin.Context) {
	coord := s.resilience.Coordinator()
	if coord == nil {
		successResponse(c, gin.H{
			"coordination_enabled": false,
			"instances":            []cluster.InstanceInfo{},
		})
		return
	}

	successResponse(c, gin.H{
		"coordination_enabled": true,
		"instance_id":          coord.Registry().SelfID(),
		"instances":            coord.Registry().Snapshot(),
	})
}

// handleClusterDecisions returns recent coordination outcomes, newest first
func (s *Server) handleClusterDecisions(c *gin.Context) {
	coord := s.resilience.Coordinator()
	if coord == nil {
		successResponse(c, []cluster.DistributedDecision{})
		return
	}

	decisions := coord.RecentDecisions()
	if limit := queryLimit(c, 50, 500); len(decisions) > limit {
		decisions = decisions[:limit]
	}
	successResponse(c, decisions)
}

// ============================================================================
// DEGRADATION HANDLERS
// ============================================================================

// handleDegradation returns the current degradation level and per-service health
func (s *Server) handleDegradation(c *gin.Context) {
	dm := s.resilience.Degrade()
	successResponse(c, gin.H{
		"level":    dm.CurrentLevel().String(),
		"services": dm.ServiceStatuses(),
		"stats":    dm.GetStats(),
	})
}

// handleDegradationEvents returns recent level transitions, newest first
func (s *Server) handleDegradationEvents(c *gin.Context) {
	history := s.resilience.Degrade().History()
	if limit := queryLimit(c, 50, 500); len(history) > limit {
		history = history[:limit]
	}
	successResponse(c, history)
}

// handleManualRecovery forces the degradation level back to normal.
// The request body may carry a reason for the audit trail.
func (s *Server) handleManualRecovery(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		req.Reason = "api_request"
	}

	dm := s.resilience.Degrade()
	dm.ManualRecovery(c.Request.Context(), req.Reason)

	s.logger.Info().
		Str("reason", req.Reason).
		Str("user", auth.GetUsername(c)).
		Msg("Manual recovery via API")

	successResponse(c, gin.H{"level": dm.CurrentLevel().String()})
}

// handleRecoveryCheck runs one health-check-driven recovery attempt
func (s *Server) handleRecoveryCheck(c *gin.Context) {
	dm := s.resilience.Degrade()
	recovered := dm.AttemptRecovery(c.Request.Context())
	successResponse(c, gin.H{
		"recovered": recovered,
		"level":     dm.CurrentLevel().String(),
	})
}

// ============================================================================
// HISTORY HANDLERS (database-backed)
// ============================================================================

// handleDecisionHistory returns persisted coordination decisions
func (s *Server) handleDecisionHistory(c *gin.Context) {
	if s.history == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Database persistence is disabled")
		return
	}

	ctx := c.Request.Context()
	limit := queryLimit(c, 50, 500)

	var (
		records []database.DecisionRecord
		err     error
	)
	if breaker := c.Query("breaker"); breaker != "" {
		records, err = s.history.DecisionsForBreaker(ctx, breaker, limit)
	} else {
		records, err = s.history.RecentDecisions(ctx, limit)
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch decision history")
		return
	}

	successResponse(c, records)
}

// handleDegradationHistory returns persisted degradation events
func (s *Server) handleDegradationHistory(c *gin.Context) {
	if s.history == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Database persistence is disabled")
		return
	}

	records, err := s.history.RecentDegradationEvents(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch degradation history")
		return
	}

	successResponse(c, records)
}

// ============================================================================
// BROKER HANDLERS (guarded)
// ============================================================================

// handleAccount returns the account summary through the guarded path
func (s *Server) handleAccount(c *gin.Context) {
	account, err := s.guard.GetAccount(c.Request.Context())
	if err != nil {
		brokerErrorResponse(c, err)
		return
	}
	successResponse(c, account)
}

// handlePositions returns open positions through the guarded path
func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.guard.GetPositions(c.Request.Context())
	if err != nil {
		brokerErrorResponse(c, err)
		return
	}
	successResponse(c, positions)
}

// handlePrices returns current pricing for the requested instruments
func (s *Server) handlePrices(c *gin.Context) {
	raw := c.Query("instruments")
	if raw == "" {
		errorResponse(c, http.StatusBadRequest, "Missing instruments parameter")
		return
	}

	prices, err := s.guard.GetPricing(c.Request.Context(), strings.Split(raw, ","))
	if err != nil {
		brokerErrorResponse(c, err)
		return
	}
	successResponse(c, prices)
}

// handleEmergencyClose closes every open position. This stays allowed
// even in emergency degradation, so it is the operator's last resort.
func (s *Server) handleEmergencyClose(c *gin.Context) {
	closed, err := s.guard.EmergencyClose(c.Request.Context())
	if err != nil {
		brokerErrorResponse(c, err)
		return
	}

	s.logger.Warn().
		Int("closed", closed).
		Str("user", auth.GetUsername(c)).
		Msg("Emergency close-all executed via API")

	successResponse(c, gin.H{"closed_positions": closed})
}

// ============================================================================
// HELPERS
// ============================================================================

// queryLimit parses the limit query parameter with a default and cap
func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// brokerErrorResponse maps guarded-call failures onto HTTP statuses.
// Resiliency rejections are 503 so clients know to back off and retry;
// everything else is a plain server error.
func brokerErrorResponse(c *gin.Context, err error) {
	var opErr *degrade.OperationError
	switch {
	case errors.As(err, &opErr):
		errorResponse(c, http.StatusServiceUnavailable, opErr.Error())
	case errors.Is(err, circuit.ErrOpen):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}
