package store

import "time"

// Agent is a registered keypair identity. The private key is AES-GCM
// encrypted under the master key; the store never sees plaintext.
type Agent struct {
	ID               string
	Username         string
	Pubkey           string
	EncPrivKey       string // base64 ciphertext
	EncPrivKeyIV     string // base64 96-bit IV
	APIKeyHash       string // SHA-256 hex of the bearer token
	LightningAddress string
	EncNWCURI        string // base64 ciphertext, empty when no wallet linked
	EncNWCURIIV      string
	Role             string
	DisplayName      string
	Online           bool
	LastSeenAt       *time.Time
	CreatedAt        time.Time
}

// Job is one row of the dual-projection job table. A customer row and its
// provider rows share request_event_id.
type Job struct {
	ID             string
	UserID         string
	Role           string // "customer" | "provider"
	Kind           int
	Status         string
	Input          string
	InputType      string
	Output         string // output hint from the request
	Params         map[string]string
	BidMsats       int64
	PriceMsats     int64
	CustomerPubkey string
	ProviderPubkey string
	RequestEventID string
	ResultEventID  string
	EventID        string
	Result         string
	Bolt11         string
	PaymentHash    string
	SwarmID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Service is a provider's registration: the kinds it serves plus cumulative
// delivery stats maintained by the reputation aggregator.
type Service struct {
	ID                   string
	UserID               string
	Pubkey               string
	Kinds                []int64
	Description          string
	PriceMinMsats        int64
	PriceMaxMsats        int64
	DirectRequestEnabled bool
	Active               bool
	JobsCompleted        int64
	JobsRejected         int64
	TotalEarnedMsats     int64
	TotalZapReceived     int64
	AvgResponseMs        int64
	LastJobAt            *time.Time
	LastHandlerEventID   string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TrustDeclaration is a (truster, target) edge, unique per pair.
type TrustDeclaration struct {
	TrusterUserID string
	TargetPubkey  string
	EventID       string
	CreatedAt     time.Time
}

// Report is an abuse report keyed by its source event id. Three distinct
// reporters against one target flag that target.
type Report struct {
	EventID        string
	ReporterPubkey string
	TargetPubkey   string
	ReportType     string
	TargetEventID  string
	CreatedAt      time.Time
}

// Review is a rating against a completed job, once per (job, reviewer).
type Review struct {
	ID             string
	JobID          string
	JobEventID     string
	ReviewerPubkey string
	TargetPubkey   string
	Rating         float64
	Role           string
	Kind           int
	EventID        string
	CreatedAt      time.Time
}

// ExternalDVM is a handler-info record from a non-local agent, latest-wins
// per (pubkey, d_tag).
type ExternalDVM struct {
	Pubkey         string
	DTag           string
	Kinds          []int64
	Content        string
	EventID        string
	EventCreatedAt int64
	UpdatedAt      time.Time
}

// Heartbeat is the latest liveness beacon per user.
type Heartbeat struct {
	UserID    string
	Pubkey    string
	Status    string
	Capacity  int
	Kinds     []int64
	EventID   string
	LastSeen  time.Time
	UpdatedAt time.Time
}

// Workflow chains DVM requests; each step's output feeds the next step's
// input.
type Workflow struct {
	ID        string
	UserID    string
	Status    string
	Input     string
	BidMsats  int64
	Steps     []WorkflowStep
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowStep is one stage of a workflow, unique per (workflow_id, index).
type WorkflowStep struct {
	WorkflowID  string
	Index       int
	Kind        int
	Description string
	Provider    string
	Input       string
	Output      string
	JobID       string
	Status      string
}

// SwarmSubmission is one provider's entry in a swarm task, unique per
// (swarm_id, provider_pubkey).
type SwarmSubmission struct {
	SwarmID        string
	ProviderPubkey string
	Content        string
	Bolt11         string
	PriceMsats     int64
	EventID        string
	Winner         bool
	CreatedAt      time.Time
}

// QueueItem is one durable outbound event awaiting relay delivery.
type QueueItem struct {
	ID          int64
	EventJSON   []byte
	EventID     string
	Attempts    int
	NextAttempt time.Time
	CreatedAt   time.Time
}

// Follow is a cached followee of a local user.
type Follow struct {
	UserID      string
	Pubkey      string
	DisplayName string
}

// Topic is an imported or locally authored note.
type Topic struct {
	ID           string
	UserID       string
	EventID      string
	AuthorPubkey string
	Content      string
	GroupID      string
	CreatedAt    time.Time
}

// Comment is a threaded reply on a topic.
type Comment struct {
	ID           string
	TopicID      string
	EventID      string
	AuthorPubkey string
	Content      string
	CreatedAt    time.Time
}

// Notification is an owner-visible alert raised by the ingress pollers.
type Notification struct {
	ID        string
	UserID    string
	Type      string
	RefID     string
	Message   string
	Read      bool
	CreatedAt time.Time
}

// RelayEvent is an event persisted by the relay gateway.
type RelayEvent struct {
	ID        string
	Pubkey    string
	CreatedAt int64
	Kind      int
	Tags      []byte // JSON
	Content   string
	Sig       string
	DTag      string
	StoredAt  time.Time
}
