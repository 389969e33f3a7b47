package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broker-resilience/internal/bus"
	"broker-resilience/internal/circuit"
	"broker-resilience/internal/events"
	"broker-resilience/internal/metrics"
)

// Config holds coordination timings and thresholds
type Config struct {
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	CleanupInterval    time.Duration `json:"cleanup_interval"`
	InstanceTimeout    time.Duration `json:"instance_timeout"`    // Silent peers are dropped after this
	DecisionRetention  time.Duration `json:"decision_retention"`  // Decision history window
	VoteTimeout        time.Duration `json:"vote_timeout"`        // Max wait for peer votes
	VotePollInterval   time.Duration `json:"vote_poll_interval"`  // Poll cadence while waiting
	PeerFailureVoteMin int           `json:"peer_failure_vote_min"` // Local failures before agreeing to a proposal
}

// DefaultConfig returns the standard coordination timings
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:  30 * time.Second,
		CleanupInterval:    60 * time.Second,
		InstanceTimeout:    2 * time.Minute,
		DecisionRetention:  time.Hour,
		VoteTimeout:        10 * time.Second,
		VotePollInterval:   100 * time.Millisecond,
		PeerFailureVoteMin: 2,
	}
}

// StateProvider supplies the current local breaker view for heartbeats
// and vote computation.
type StateProvider func() (states map[string]circuit.State, failureCounts map[string]int)

// voteRound tracks one in-flight coordination round. Rounds are keyed
// by decision ID, so concurrent rounds for the same breaker cannot
// corrupt each other's tallies; the last broadcast simply wins.
type voteRound struct {
	breaker  string
	proposed circuit.State
	votes    map[string]Vote
	started  time.Time
}

// Coordinator runs the distributed circuit breaker protocol: it
// announces this instance, tracks peers via heartbeats, initiates
// voting rounds for breaker transitions, and answers peers' rounds.
type Coordinator struct {
	config   *Config
	registry *Registry
	bus      bus.Bus
	strategy VotingStrategy
	events   *events.EventBus
	logger   zerolog.Logger

	mu              sync.Mutex
	pendingVotes    map[string]*voteRound
	recentDecisions []DistributedDecision

	stateProvider StateProvider
	onDecision    func(DistributedDecision) // Applies peer decisions locally
	decisionSink  func(DistributedDecision) // Persistence hook, async
	loadFactor    float64
}

// NewCoordinator creates a coordinator for the given instance identity.
func NewCoordinator(config *Config, self InstanceInfo, transport bus.Bus, strategy VotingStrategy, eventBus *events.EventBus, logger zerolog.Logger) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if strategy == nil {
		strategy = MajorityStrategy{}
	}

	return &Coordinator{
		config:       config,
		registry:     NewRegistry(self),
		bus:          transport,
		strategy:     strategy,
		events:       eventBus,
		logger:       logger.With().Str("component", "Coordinator").Str("instance_id", self.InstanceID).Logger(),
		pendingVotes: make(map[string]*voteRound),
		loadFactor:   self.LoadFactor,
	}
}

// SetStateProvider wires the local breaker snapshot source.
func (c *Coordinator) SetStateProvider(provider StateProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateProvider = provider
}

// OnDecision sets the callback invoked when a peer's decision arrives.
func (c *Coordinator) OnDecision(fn func(DistributedDecision)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecision = fn
}

// SetDecisionSink sets the persistence hook called for every recorded
// decision. Invoked on its own goroutine.
func (c *Coordinator) SetDecisionSink(fn func(DistributedDecision)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisionSink = fn
}

// Registry exposes cluster membership.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Start subscribes to the coordination topics, announces this instance,
// and launches the heartbeat and cleanup loops. Loops stop when ctx is
// cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.subscribe()

	if err := c.Register(ctx); err != nil {
		return err
	}

	go c.RunHeartbeatLoop(ctx)
	go c.RunCleanupLoop(ctx)

	c.logger.Info().Str("strategy", c.strategy.Name()).Msg("Coordinator started")
	return nil
}

func (c *Coordinator) subscribe() {
	c.bus.Subscribe(bus.TopicInstanceRegister, c.handleRegister)
	c.bus.Subscribe(bus.TopicHeartbeat, c.handleHeartbeat)
	c.bus.Subscribe(bus.TopicVoteRequest, c.handleVoteRequest)
	c.bus.Subscribe(bus.TopicVoteResponse, c.handleVoteResponse)
	c.bus.Subscribe(bus.TopicDecisionBroadcast, c.handleDecisionBroadcast)
}

// Register announces this instance on the bus.
func (c *Coordinator) Register(ctx context.Context) error {
	self := c.currentSelf()
	return c.bus.Publish(ctx, bus.TopicInstanceRegister, instancePayload(self))
}

// RunHeartbeatLoop publishes this instance's breaker view on the
// heartbeat interval. Publish failures are logged and swallowed; the
// loop never stops on error.
func (c *Coordinator) RunHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self := c.currentSelf()
			if err := c.bus.Publish(ctx, bus.TopicHeartbeat, instancePayload(self)); err != nil {
				c.logger.Warn().Err(err).Msg("Heartbeat publish failed")
			}
		}
	}
}

// RunCleanupLoop prunes silent peers and expired decisions.
func (c *Coordinator) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Coordinator) cleanup() {
	removed := c.registry.Prune(c.config.InstanceTimeout)
	for _, info := range removed {
		c.logger.Info().
			Str("peer_id", info.InstanceID).
			Time("last_heartbeat", info.LastHeartbeat).
			Msg("Removed stale instance")
		if c.events != nil {
			c.events.PublishInstanceRemoved(info.InstanceID, info.LastHeartbeat)
		}
	}
	metrics.ClusterInstances.Set(float64(c.registry.Count()))

	cutoff := time.Now().Add(-c.config.DecisionRetention)
	c.mu.Lock()
	kept := c.recentDecisions[:0]
	for _, d := range c.recentDecisions {
		if d.DecisionTimestamp.After(cutoff) {
			kept = append(kept, d)
		}
	}
	c.recentDecisions = kept
	c.mu.Unlock()
}

// currentSelf refreshes the registry's self entry from the state
// provider and returns it.
func (c *Coordinator) currentSelf() InstanceInfo {
	c.mu.Lock()
	provider := c.stateProvider
	load := c.loadFactor
	c.mu.Unlock()

	if provider != nil {
		states, counts := provider()
		c.registry.UpdateSelf(states, counts, load)
	}
	return c.registry.Self()
}

// RequiresCoordination reports whether a transition needs a cluster
// vote: opening always does, and any transition does once more than one
// instance tracks the breaker.
func (c *Coordinator) RequiresCoordination(breaker string, newState circuit.State) bool {
	if newState == circuit.StateOpen {
		return true
	}
	return c.registry.TrackingCount(breaker) > 1
}

// UpdateCircuitState records a local breaker transition and, when the
// transition needs cluster agreement, runs a coordination round. The
// returned decision is what the local breaker should apply.
func (c *Coordinator) UpdateCircuitState(ctx context.Context, breaker string, newState circuit.State, failureCount int) (*DistributedDecision, error) {
	c.registry.UpdateSelfBreaker(breaker, newState, failureCount)

	if !c.RequiresCoordination(breaker, newState) {
		selfID := c.registry.SelfID()
		decision := DistributedDecision{
			BreakerName:            breaker,
			Decision:               newState,
			ConsensusReached:       true,
			ParticipatingInstances: []string{selfID},
			VotingResults:          map[string]Vote{selfID: Vote(newState)},
			DecisionTimestamp:      time.Now().UTC(),
			DecisionID:             uuid.New().String(),
			ConfidenceScore:        1.0,
		}
		c.recordDecision(decision)
		return &decision, nil
	}

	return c.CoordinateDecision(ctx, breaker, newState)
}

// CoordinateDecision runs one voting round: it seeds every known
// instance as pending, votes for itself, broadcasts the request, polls
// until a majority has voted or the timeout passes, and tallies the
// result. The decision is broadcast even without consensus so peers
// observe the round's outcome.
func (c *Coordinator) CoordinateDecision(ctx context.Context, breaker string, proposed circuit.State) (*DistributedDecision, error) {
	decisionID := uuid.New().String()
	selfID := c.registry.SelfID()
	started := time.Now()

	round := &voteRound{
		breaker:  breaker,
		proposed: proposed,
		votes:    make(map[string]Vote),
		started:  started,
	}
	for _, id := range c.registry.IDs() {
		round.votes[id] = VotePending
	}
	round.votes[selfID] = c.localVote(breaker, proposed)

	c.mu.Lock()
	c.pendingVotes[decisionID] = round
	c.mu.Unlock()

	request := map[string]interface{}{
		"decision_id":    decisionID,
		"breaker_name":   breaker,
		"proposed_state": string(proposed),
		"requester_id":   selfID,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.bus.Publish(ctx, bus.TopicVoteRequest, request); err != nil {
		// Peers will never see this round; their votes time out below.
		c.logger.Warn().Err(err).Str("breaker", breaker).Msg("Vote request publish failed")
	}

	c.awaitVotes(ctx, decisionID)

	c.mu.Lock()
	for id, v := range round.votes {
		if v == VotePending {
			round.votes[id] = VoteTimeout
		}
	}
	votes := make(map[string]Vote, len(round.votes))
	participating := make([]string, 0, len(round.votes))
	for id, v := range round.votes {
		votes[id] = v
		participating = append(participating, id)
	}
	delete(c.pendingVotes, decisionID)
	c.mu.Unlock()

	state, confidence, consensus := c.strategy.Tally(proposed, votes, c.registry.LoadFactors())

	decision := DistributedDecision{
		BreakerName:            breaker,
		Decision:               state,
		ConsensusReached:       consensus,
		ParticipatingInstances: participating,
		VotingResults:          votes,
		DecisionTimestamp:      time.Now().UTC(),
		DecisionID:             decisionID,
		ConfidenceScore:        confidence,
	}

	c.recordDecision(decision)

	outcome := "no_consensus"
	if consensus {
		outcome = "consensus"
	}
	metrics.VoteRounds.WithLabelValues(breaker, outcome).Inc()
	metrics.VoteRoundDuration.WithLabelValues(breaker).Observe(time.Since(started).Seconds())

	c.logger.Info().
		Str("breaker", breaker).
		Str("decision", string(state)).
		Str("decision_id", decisionID).
		Bool("consensus", consensus).
		Float64("confidence", confidence).
		Int("participants", len(participating)).
		Msg("Coordination round complete")

	broadcast := decisionPayload(decision)
	broadcast["origin_id"] = selfID
	if err := c.bus.Publish(ctx, bus.TopicDecisionBroadcast, broadcast); err != nil {
		c.logger.Warn().Err(err).Str("breaker", breaker).Msg("Decision broadcast failed")
	}

	if c.events != nil {
		c.events.PublishDecisionReached(breaker, string(state), decisionID, consensus, confidence)
	}

	return &decision, nil
}

// awaitVotes polls until a majority of the seeded instances have
// answered, the vote timeout passes, or ctx is cancelled — whichever
// comes first.
func (c *Coordinator) awaitVotes(ctx context.Context, decisionID string) {
	deadline := time.Now().Add(c.config.VoteTimeout)
	ticker := time.NewTicker(c.config.VotePollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		round, ok := c.pendingVotes[decisionID]
		answered, total := 0, 0
		if ok {
			total = len(round.votes)
			for _, v := range round.votes {
				if v != VotePending {
					answered++
				}
			}
		}
		c.mu.Unlock()

		if !ok || answered == total || answered*2 > total {
			return
		}
		if time.Now().After(deadline) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// localVote applies the peer voting rule to this instance's own state:
// agree with the proposal when the breaker is already open or half-open
// here, or when local failures have accumulated; otherwise answer
// half-open. A healthy instance never endorses closing outright.
func (c *Coordinator) localVote(breaker string, proposed circuit.State) Vote {
	var state circuit.State
	var failures int

	c.mu.Lock()
	provider := c.stateProvider
	c.mu.Unlock()

	if provider != nil {
		states, counts := provider()
		state = states[breaker]
		failures = counts[breaker]
	} else {
		self := c.registry.Self()
		state = self.CircuitStates[breaker]
		failures = self.FailureCounts[breaker]
	}

	if state == circuit.StateOpen || state == circuit.StateHalfOpen || failures >= c.config.PeerFailureVoteMin {
		return Vote(proposed)
	}
	return VoteHalfOpen
}

// recordDecision appends to the retained history, deduplicating by
// decision ID since the originator also hears its own broadcast.
func (c *Coordinator) recordDecision(d DistributedDecision) {
	c.mu.Lock()
	for _, existing := range c.recentDecisions {
		if existing.DecisionID == d.DecisionID {
			c.mu.Unlock()
			return
		}
	}
	c.recentDecisions = append(c.recentDecisions, d)
	sink := c.decisionSink
	c.mu.Unlock()

	if sink != nil {
		go sink(d)
	}
}

// GetStats returns coordination statistics
func (c *Coordinator) GetStats() map[string]interface{} {
	c.mu.Lock()
	pending := len(c.pendingVotes)
	decisions := len(c.recentDecisions)
	c.mu.Unlock()

	return map[string]interface{}{
		"instance_id":      c.registry.SelfID(),
		"known_instances":  c.registry.Count(),
		"pending_votes":    pending,
		"recent_decisions": decisions,
		"voting_strategy":  c.strategy.Name(),
	}
}

// RecentDecisions returns retained decisions, newest first.
func (c *Coordinator) RecentDecisions() []DistributedDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DistributedDecision, len(c.recentDecisions))
	for i, d := range c.recentDecisions {
		out[len(c.recentDecisions)-1-i] = d
	}
	return out
}

// ============================================================================
// BUS HANDLERS
// ============================================================================

func (c *Coordinator) handleRegister(msg bus.Message) {
	info, ok := instanceFromPayload(msg.Payload)
	if !ok || info.InstanceID == c.registry.SelfID() {
		return
	}

	if c.registry.ApplyHeartbeat(info) {
		c.logger.Info().Str("peer_id", info.InstanceID).Str("hostname", info.Hostname).Msg("Instance joined")
		if c.events != nil {
			c.events.PublishInstanceJoined(info.InstanceID, info.Hostname)
		}
	}
	metrics.ClusterInstances.Set(float64(c.registry.Count()))
}

func (c *Coordinator) handleHeartbeat(msg bus.Message) {
	info, ok := instanceFromPayload(msg.Payload)
	if !ok || info.InstanceID == c.registry.SelfID() {
		return
	}

	if c.registry.ApplyHeartbeat(info) {
		// Heartbeat from a peer we never saw register
		c.logger.Info().Str("peer_id", info.InstanceID).Msg("Instance discovered via heartbeat")
		if c.events != nil {
			c.events.PublishInstanceJoined(info.InstanceID, info.Hostname)
		}
		metrics.ClusterInstances.Set(float64(c.registry.Count()))
	}
}

func (c *Coordinator) handleVoteRequest(msg bus.Message) {
	requester := toString(msg.Payload["requester_id"])
	if requester == "" || requester == c.registry.SelfID() {
		return
	}

	decisionID := toString(msg.Payload["decision_id"])
	breaker := toString(msg.Payload["breaker_name"])
	proposed := circuit.State(toString(msg.Payload["proposed_state"]))
	if decisionID == "" || breaker == "" {
		return
	}

	vote := c.localVote(breaker, proposed)

	response := map[string]interface{}{
		"decision_id":  decisionID,
		"breaker_name": breaker,
		"voter_id":     c.registry.SelfID(),
		"vote":         string(vote),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.bus.Publish(context.Background(), bus.TopicVoteResponse, response); err != nil {
		c.logger.Warn().Err(err).Str("decision_id", decisionID).Msg("Vote response publish failed")
	}
}

func (c *Coordinator) handleVoteResponse(msg bus.Message) {
	decisionID := toString(msg.Payload["decision_id"])
	voter := toString(msg.Payload["voter_id"])
	vote := Vote(toString(msg.Payload["vote"]))
	if decisionID == "" || voter == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	round, ok := c.pendingVotes[decisionID]
	if !ok {
		// Late or unknown round; drop silently
		return
	}
	if current, seeded := round.votes[voter]; seeded && current == VotePending {
		round.votes[voter] = vote
	}
}

func (c *Coordinator) handleDecisionBroadcast(msg bus.Message) {
	origin := toString(msg.Payload["origin_id"])
	if origin == "" || origin == c.registry.SelfID() {
		return
	}

	decision, ok := decisionFromPayload(msg.Payload)
	if !ok {
		return
	}

	c.recordDecision(decision)

	c.mu.Lock()
	apply := c.onDecision
	c.mu.Unlock()
	if apply != nil {
		apply(decision)
	}

	if c.events != nil {
		c.events.PublishDecisionReached(decision.BreakerName, string(decision.Decision), decision.DecisionID, decision.ConsensusReached, decision.ConfidenceScore)
	}
}

// ============================================================================
// PAYLOAD CODECS
// ============================================================================

func instancePayload(info InstanceInfo) map[string]interface{} {
	states := make(map[string]interface{}, len(info.CircuitStates))
	for k, v := range info.CircuitStates {
		states[k] = string(v)
	}
	counts := make(map[string]interface{}, len(info.FailureCounts))
	for k, v := range info.FailureCounts {
		counts[k] = v
	}

	return map[string]interface{}{
		"instance_id":    info.InstanceID,
		"hostname":       info.Hostname,
		"region":         info.Region,
		"version":        info.Version,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
		"circuit_states": states,
		"failure_counts": counts,
		"load_factor":    info.LoadFactor,
	}
}

func instanceFromPayload(p map[string]interface{}) (InstanceInfo, bool) {
	id := toString(p["instance_id"])
	if id == "" {
		return InstanceInfo{}, false
	}

	info := InstanceInfo{
		InstanceID:    id,
		Hostname:      toString(p["hostname"]),
		Region:        toString(p["region"]),
		Version:       toString(p["version"]),
		CircuitStates: make(map[string]circuit.State),
		FailureCounts: make(map[string]int),
		LoadFactor:    toFloat(p["load_factor"]),
	}

	if ts, err := time.Parse(time.RFC3339, toString(p["last_heartbeat"])); err == nil {
		info.LastHeartbeat = ts
	} else {
		info.LastHeartbeat = time.Now()
	}

	if states, ok := p["circuit_states"].(map[string]interface{}); ok {
		for k, v := range states {
			info.CircuitStates[k] = circuit.State(toString(v))
		}
	}
	if counts, ok := p["failure_counts"].(map[string]interface{}); ok {
		for k, v := range counts {
			info.FailureCounts[k] = toInt(v)
		}
	}

	return info, true
}

func decisionPayload(d DistributedDecision) map[string]interface{} {
	votes := make(map[string]interface{}, len(d.VotingResults))
	for k, v := range d.VotingResults {
		votes[k] = string(v)
	}
	participants := make([]interface{}, len(d.ParticipatingInstances))
	for i, p := range d.ParticipatingInstances {
		participants[i] = p
	}

	return map[string]interface{}{
		"decision_id":             d.DecisionID,
		"breaker_name":            d.BreakerName,
		"decision":                string(d.Decision),
		"consensus_reached":       d.ConsensusReached,
		"participating_instances": participants,
		"voting_results":          votes,
		"confidence_score":        d.ConfidenceScore,
		"decision_timestamp":      d.DecisionTimestamp.Format(time.RFC3339),
	}
}

func decisionFromPayload(p map[string]interface{}) (DistributedDecision, bool) {
	id := toString(p["decision_id"])
	breaker := toString(p["breaker_name"])
	if id == "" || breaker == "" {
		return DistributedDecision{}, false
	}

	d := DistributedDecision{
		DecisionID:       id,
		BreakerName:      breaker,
		Decision:         circuit.State(toString(p["decision"])),
		ConsensusReached: toBool(p["consensus_reached"]),
		VotingResults:    make(map[string]Vote),
		ConfidenceScore:  toFloat(p["confidence_score"]),
	}

	if ts, err := time.Parse(time.RFC3339, toString(p["decision_timestamp"])); err == nil {
		d.DecisionTimestamp = ts
	} else {
		d.DecisionTimestamp = time.Now().UTC()
	}

	if participants, ok := p["participating_instances"].([]interface{}); ok {
		for _, v := range participants {
			if s := toString(v); s != "" {
				d.ParticipatingInstances = append(d.ParticipatingInstances, s)
			}
		}
	}
	if votes, ok := p["voting_results"].(map[string]interface{}); ok {
		for k, v := range votes {
			d.VotingResults[k] = Vote(toString(v))
		}
	}

	return d, true
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// toInt tolerates both native ints (memory bus) and float64 (JSON).
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
