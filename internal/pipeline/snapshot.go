package pipeline

// Message is one turn of accumulated conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the immutable per-run context bundle. The run controller builds
// it once from the request inputs; stages only read it. Mutable run state
// flows through stage outputs instead.
type Snapshot struct {
	RunID       string
	RequestID   string
	SessionID   string
	PrincipalID string
	TenantID    string

	Service     string
	Topology    string
	Mode        string
	QualityMode string

	// Channel is the client transport kind ("chat" or "voice").
	Channel string

	// InputText is the user utterance for text requests.
	InputText string

	// Audio is the raw audio payload for voice requests.
	Audio       []byte
	AudioFormat string
	Language    string

	// History is the accumulated message history, oldest first.
	History []Message

	// Behavior carries per-session behavior knobs (voice, persona, caps).
	Behavior map[string]any

	// Enrichment blocks filled by the controller or enrichment stages
	// upstream of snapshot construction.
	Profile map[string]any
	Memory  []string
	Skills  []string

	// Vocabulary holds per-tenant keyword hints for transcript correction
	// (product names, project names, proper nouns).
	Vocabulary []string

	// Assessment carries prior assessment state consulted by the assess
	// stage predicate.
	Assessment map[string]any
}

// Map renders the snapshot as a JSON-serializable map for dead-letter
// capture. Raw audio is reduced to its byte length; replayable input data is
// captured separately.
func (s *Snapshot) Map() map[string]any {
	m := map[string]any{
		"run_id":       s.RunID,
		"request_id":   s.RequestID,
		"session_id":   s.SessionID,
		"principal_id": s.PrincipalID,
		"tenant_id":    s.TenantID,
		"service":      s.Service,
		"topology":     s.Topology,
		"mode":         s.Mode,
		"quality_mode": s.QualityMode,
		"channel":      s.Channel,
		"input_text":   s.InputText,
		"audio_bytes":  len(s.Audio),
		"history_len":  len(s.History),
	}
	if s.AudioFormat != "" {
		m["audio_format"] = s.AudioFormat
	}
	if s.Language != "" {
		m["language"] = s.Language
	}
	if len(s.Behavior) > 0 {
		m["behavior"] = s.Behavior
	}
	if len(s.Profile) > 0 {
		m["profile"] = s.Profile
	}
	if len(s.Assessment) > 0 {
		m["assessment"] = s.Assessment
	}
	return m
}
