package repository

import "time"

// ── Domain types for the approval engine ─────────────────────────────────────

// ProcessType is the category of business document being approved.
type ProcessType string

const (
	ProcessPayableInvoice          ProcessType = "payable_invoice"
	ProcessPurchaseRequisition     ProcessType = "purchase_requisition"
	ProcessPurchaseQuotation       ProcessType = "purchase_quotation"
	ProcessMaterialOutboundRequest ProcessType = "material_outbound_request"
	ProcessMaterialTransferRequest ProcessType = "material_transfer_request"
)

// Valid reports whether p is a known process type.
func (p ProcessType) Valid() bool {
	switch p {
	case ProcessPayableInvoice, ProcessPurchaseRequisition, ProcessPurchaseQuotation,
		ProcessMaterialOutboundRequest, ProcessMaterialTransferRequest:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestCancelled
}

// StepStatus is the lifecycle state of an ApprovalStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepCancelled StepStatus = "cancelled"
)

// SelectorType identifies the strategy that binds a rule level to a user.
type SelectorType string

const (
	// SelectorFixedUser binds the level to the user id in SelectorValue.
	SelectorFixedUser SelectorType = "fixed_user"
	// SelectorRole binds the level to a holder of the role in SelectorValue.
	SelectorRole SelectorType = "role"
	// SelectorManager binds the level to the manager of the previous level's
	// approver (the requester for the first level).
	SelectorManager SelectorType = "manager"
)

// RuleLevel is one entry in a rule's levels JSONB array.
type RuleLevel struct {
	LevelNumber   int          `json:"level_number"`
	SelectorType  SelectorType `json:"selector_type"`
	SelectorValue string       `json:"selector_value,omitempty"`
}

// ApprovalChainRule is a tenant-scoped routing rule. A nil match condition
// means "no constraint"; all non-nil conditions must hold for the rule to
// apply.
type ApprovalChainRule struct {
	ID           string
	TenantID     string
	Name         string
	ProcessType  ProcessType
	MinAmount    *int64 // cents; nil = no lower bound
	MaxAmount    *int64 // cents; nil = no upper bound, inclusive when set
	CostCenterID *string
	ProjectID    *string
	RequesterID  *string
	Levels       []RuleLevel
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ApprovalRequest is the aggregate root: one approval chain instance opened
// for a document. At most one request per (tenant, process_type, document) may
// be in pending status at a time.
type ApprovalRequest struct {
	ID          string
	TenantID    string
	ProcessType ProcessType
	DocumentID  string
	RuleID      string
	Status      RequestStatus
	CreatedBy   string
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// ApprovalStep is one level of a request's chain. All steps are created with
// the request, initially pending. The transfer audit fields hold only the most
// recent delegation; the full history lives in the audit log.
type ApprovalStep struct {
	ID                 string
	RequestID          string
	TenantID           string
	LevelNumber        int
	ApproverID         string
	Status             StepStatus
	DecidedAt          *time.Time
	Notes              *string
	TransferredAt      *time.Time
	TransferReason     *string
	PreviousApproverID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PendingApproval is a step awaiting action joined with its request context,
// as listed in an approver's inbox.
type PendingApproval struct {
	Step        *ApprovalStep
	ProcessType ProcessType
	DocumentID  string
	RequestedBy string
	RequestedAt time.Time
}

// AuditAction is the kind of event recorded in the audit log.
type AuditAction string

const (
	AuditCreated     AuditAction = "created"
	AuditApproved    AuditAction = "approved"
	AuditRejected    AuditAction = "rejected"
	AuditCancelled   AuditAction = "cancelled"
	AuditTransferred AuditAction = "transferred"
)

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID          string
	TenantID    string
	RequestID   string
	StepID      *string
	Action      AuditAction
	ActorID     string
	Metadata    map[string]interface{}
	PerformedAt time.Time
}

// ActiveLevel returns the level number of the single actionable step: the
// lowest pending step whose predecessors are all approved. Returns 0 when no
// step is actionable.
func ActiveLevel(steps []*ApprovalStep) int {
	byLevel := make(map[int]*ApprovalStep, len(steps))
	maxLevel := 0
	for _, s := range steps {
		byLevel[s.LevelNumber] = s
		if s.LevelNumber > maxLevel {
			maxLevel = s.LevelNumber
		}
	}
	for level := 1; level <= maxLevel; level++ {
		s, ok := byLevel[level]
		if !ok {
			return 0
		}
		switch s.Status {
		case StepApproved:
			continue
		case StepPending:
			return level
		default:
			return 0
		}
	}
	return 0
}
