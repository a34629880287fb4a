package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// QualityTier is one of {minimal, balanced, high, premium}; it influences
// model selection and routing thresholds.
type QualityTier string

const (
	QualityMinimal  QualityTier = "minimal"
	QualityBalanced QualityTier = "balanced"
	QualityHigh     QualityTier = "high"
	QualityPremium  QualityTier = "premium"
)

// Intent classifies a request's kind. Empty string means "not yet classified".
type Intent string

const (
	IntentConversation Intent = "conversation"
	IntentQuestion     Intent = "question"
	IntentCode         Intent = "code"
	IntentAnalysis     Intent = "analysis"
	IntentRequest      Intent = "request"
	IntentCreative     Intent = "creative"
)

// ConversationTurn is one entry in the conversation history.
type ConversationTurn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// TraceEntry records an error or warning attributed to a node.
type TraceEntry struct {
	Node        string
	Message     string
	Recoverable bool
}

// NodeResult is a node's contribution to the execution state.
type NodeResult struct {
	Success       bool
	Data          map[string]interface{}
	Confidence    float64
	ExecutionTime time.Duration
	Cost          float64
	ModelUsed     string
	Error         string
}

// historyMaxTurns and historyMaxBytes implement the conversation-history
// cap: 20 turns or 8KB of serialized text, whichever triggers first.
const (
	historyMaxTurns = 20
	historyMaxBytes = 8 * 1024
)

const budgetEpsilon = 1e-9

// ExecutionState is the record threaded through one graph run. It is a
// plain value, merged by Reduce: nodes return a sparse delta describing only
// what they changed, and the engine folds it into the accumulated state.
// This keeps ExecutionState compatible with graph.Engine[S]'s
// value-semantics reducer model instead of bolting pointer/mutex mutation
// onto a type the engine copies internally.
type ExecutionState struct {
	// Identity
	RequestID     string
	CorrelationID string
	SessionID     string
	UserID        string

	// Input
	Query               string
	ProcessedQuery      string
	ConversationHistory []ConversationTurn

	// Classification
	Intent          Intent
	ComplexityScore float64

	// Constraints
	InitialBudget       float64
	CostBudgetRemaining float64
	MaxExecutionTime    time.Duration
	QualityRequirement  QualityTier

	// Accounting
	CostsIncurred    map[string]float64
	ExecutionTimes   map[string]time.Duration
	ConfidenceScores map[string]float64
	ModelsUsed       map[string]struct{}

	// Execution trace
	ExecutionPath       []string
	NodeResults         map[string]NodeResult
	IntermediateResults string // gjson/sjson-backed JSON object text
	Errors              []TraceEntry
	Warnings            []TraceEntry

	// Output
	FinalResponse    string
	ResponseMetadata string // gjson/sjson-backed JSON object text
}

// NewExecutionState creates the initial state for one run.
func NewExecutionState(query string, budget float64, quality QualityTier, maxTime time.Duration) ExecutionState {
	return ExecutionState{
		RequestID:           uuid.NewString(),
		CorrelationID:       uuid.NewString(),
		Query:               query,
		ProcessedQuery:      query,
		InitialBudget:       budget,
		CostBudgetRemaining: budget,
		MaxExecutionTime:    maxTime,
		QualityRequirement:  quality,
		IntermediateResults: "{}",
		ResponseMetadata:    "{}",
	}
}

// Reduce merges delta into prev. It is registered with graph.New as the
// state Reducer for the Chat and Search graphs. Scalar fields are
// replace-if-set; map fields are key-wise additive or overwrite depending
// on the operation that produced them; slice fields append.
func Reduce(prev, delta ExecutionState) ExecutionState {
	if delta.SessionID != "" {
		prev.SessionID = delta.SessionID
	}
	if delta.UserID != "" {
		prev.UserID = delta.UserID
	}
	if delta.ProcessedQuery != "" {
		prev.ProcessedQuery = delta.ProcessedQuery
	}
	if delta.Intent != "" {
		prev.Intent = delta.Intent
	}
	if delta.ComplexityScore != 0 {
		prev.ComplexityScore = delta.ComplexityScore
	}
	if delta.QualityRequirement != "" {
		prev.QualityRequirement = delta.QualityRequirement
	}
	if delta.FinalResponse != "" {
		prev.FinalResponse = delta.FinalResponse
	}

	for node, amount := range delta.CostsIncurred {
		if prev.CostsIncurred == nil {
			prev.CostsIncurred = make(map[string]float64)
		}
		prev.CostsIncurred[node] += amount
		prev.CostBudgetRemaining -= amount
	}
	for node, d := range delta.ExecutionTimes {
		if prev.ExecutionTimes == nil {
			prev.ExecutionTimes = make(map[string]time.Duration)
		}
		prev.ExecutionTimes[node] += d
	}
	for node, score := range delta.ConfidenceScores {
		if prev.ConfidenceScores == nil {
			prev.ConfidenceScores = make(map[string]float64)
		}
		prev.ConfidenceScores[node] = score
	}
	for node, result := range delta.NodeResults {
		if prior, ok := prev.NodeResults[node]; ok && prior.Success && !result.Success {
			continue // retry-replaces-failure: a success is never downgraded
		}
		if prev.NodeResults == nil {
			prev.NodeResults = make(map[string]NodeResult)
		}
		prev.NodeResults[node] = result
		if result.ModelUsed != "" {
			if prev.ModelsUsed == nil {
				prev.ModelsUsed = make(map[string]struct{})
			}
			prev.ModelsUsed[result.ModelUsed] = struct{}{}
		}
	}

	prev.ExecutionPath = append(prev.ExecutionPath, delta.ExecutionPath...)
	prev.ConversationHistory = append(prev.ConversationHistory, delta.ConversationHistory...)
	prev.Errors = append(prev.Errors, delta.Errors...)
	prev.Warnings = append(prev.Warnings, delta.Warnings...)

	if delta.IntermediateResults != "" && delta.IntermediateResults != "{}" {
		prev.IntermediateResults = mergeJSONBag(prev.IntermediateResults, delta.IntermediateResults)
	}
	if delta.ResponseMetadata != "" && delta.ResponseMetadata != "{}" {
		prev.ResponseMetadata = mergeJSONBag(prev.ResponseMetadata, delta.ResponseMetadata)
	}

	prev = capHistory(prev)
	return prev
}

// mergeJSONBag copies every top-level key from patch onto base using sjson,
// keeping the typed bags as single JSON documents rather than reflected
// map[string]any trees.
func mergeJSONBag(base, patch string) string {
	if base == "" {
		base = "{}"
	}
	result := gjson.Parse(patch)
	result.ForEach(func(key, value gjson.Result) bool {
		updated, err := sjson.SetRaw(base, key.String(), value.Raw)
		if err == nil {
			base = updated
		}
		return true
	})
	return base
}

// capHistory enforces the conversation-history cap: 20 turns or 8KB of
// serialized content, whichever triggers first. Emits a history-truncated
// warning when it trims anything.
func capHistory(s ExecutionState) ExecutionState {
	truncated := false

	for len(s.ConversationHistory) > historyMaxTurns {
		s.ConversationHistory = s.ConversationHistory[1:]
		truncated = true
	}

	var totalBytes int
	for _, t := range s.ConversationHistory {
		totalBytes += len(t.Content)
	}
	for totalBytes > historyMaxBytes && len(s.ConversationHistory) > 0 {
		totalBytes -= len(s.ConversationHistory[0].Content)
		s.ConversationHistory = s.ConversationHistory[1:]
		truncated = true
	}

	if truncated {
		s.Warnings = append(s.Warnings, TraceEntry{Node: "context_manager", Message: "history-truncated", Recoverable: true})
	}
	return s
}

// Delta constructors. Nodes build these and return them as NodeResult.Delta;
// Reduce folds them into the accumulated state.

// CostDelta reports additional cost spent by node.
func CostDelta(node string, amount float64) ExecutionState {
	return ExecutionState{CostsIncurred: map[string]float64{node: amount}}
}

// TimeDelta reports additional execution time spent by node.
func TimeDelta(node string, d time.Duration) ExecutionState {
	return ExecutionState{ExecutionTimes: map[string]time.Duration{node: d}}
}

// ConfidenceDelta reports node's confidence score.
func ConfidenceDelta(node string, score float64) ExecutionState {
	return ExecutionState{ConfidenceScores: map[string]float64{node: score}}
}

// ResultDelta records a node's result and appends it to the execution path.
func ResultDelta(node string, result NodeResult) ExecutionState {
	return ExecutionState{
		NodeResults:   map[string]NodeResult{node: result},
		ExecutionPath: []string{node},
	}
}

// ErrorDelta appends an error trace entry.
func ErrorDelta(node, message string, recoverable bool) ExecutionState {
	return ExecutionState{Errors: []TraceEntry{{Node: node, Message: message, Recoverable: recoverable}}}
}

// WarningDelta appends a warning trace entry.
func WarningDelta(node, message string) ExecutionState {
	return ExecutionState{Warnings: []TraceEntry{{Node: node, Message: message, Recoverable: true}}}
}

// HistoryDelta appends one conversation turn.
func HistoryDelta(turn ConversationTurn) ExecutionState {
	return ExecutionState{ConversationHistory: []ConversationTurn{turn}}
}

// TotalCost returns the sum of all per-node costs incurred so far.
func (s ExecutionState) TotalCost() float64 {
	var total float64
	for _, c := range s.CostsIncurred {
		total += c
	}
	return total
}

// AvgConfidence returns the mean of all recorded confidence scores, or 0 if
// none have been recorded.
func (s ExecutionState) AvgConfidence() float64 {
	if len(s.ConfidenceScores) == 0 {
		return 0
	}
	var total float64
	for _, c := range s.ConfidenceScores {
		total += c
	}
	return total / float64(len(s.ConfidenceScores))
}

// WithinBudget reports whether adding extraCost to the total spent so far
// would stay within the initial budget, compared with a small epsilon to
// avoid floating-point drift at exact boundaries.
func (s ExecutionState) WithinBudget(extraCost float64) bool {
	return s.TotalCost()+extraCost <= s.InitialBudget+budgetEpsilon
}

// Get reads a previously stored inter-node handoff value from
// IntermediateResults.
func (s ExecutionState) Get(key string) gjson.Result {
	return gjson.Get(s.IntermediateResults, key)
}

// IntermediateDelta stores one inter-node handoff value under key.
func IntermediateDelta(key string, value interface{}) ExecutionState {
	bag, err := sjson.Set("{}", key, value)
	if err != nil {
		return ExecutionState{}
	}
	return ExecutionState{IntermediateResults: bag}
}

// ResponseMetadataDelta stores one key in the free-form response-metadata
// bag populated by synthesis nodes.
func ResponseMetadataDelta(key string, value interface{}) ExecutionState {
	bag, err := sjson.Set("{}", key, value)
	if err != nil {
		return ExecutionState{}
	}
	return ExecutionState{ResponseMetadata: bag}
}
