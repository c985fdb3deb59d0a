package domain

// PipelineKind names one phase of the order lifecycle.
type PipelineKind string

const (
	PipelineSales     PipelineKind = "sales"
	PipelineTechnical PipelineKind = "technical"
	PipelineAfterSale PipelineKind = "after_sale"
	PipelineWarranty  PipelineKind = "warranty"
	PipelineCare      PipelineKind = "care"
	PipelineAccessory PipelineKind = "accessory"
	PipelinePartner   PipelineKind = "partner"
	PipelineExtension PipelineKind = "extension"
)

// Category classifies a history entry for display and notification routing.
type Category string

const (
	CategorySales     Category = "sales"
	CategoryTech      Category = "tech"
	CategoryAfterSale Category = "after_sale"
	CategoryAlert     Category = "alert"
	CategoryInfo      Category = "info"
)

type Shop struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// WorkItem is the movable unit tracked through a pipeline: a lead, an order,
// an order line-item or a service-extension request. Its stage is mutated only
// through the transition engine; Version backs the optimistic write check.
type WorkItem struct {
	ID         string         `json:"id"`
	ShopID     string         `json:"shop_id"`
	Kind       string         `json:"kind" enum:"lead,order,order_item,extension"`
	Title      string         `json:"title"`
	Pipeline   PipelineKind   `json:"pipeline" enum:"sales,technical,after_sale,warranty,care,accessory,partner,extension"`
	StageID    string         `json:"stage_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Archived   bool           `json:"archived,omitempty"`
	Version    int64          `json:"version"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

// HistoryEntry is one immutable line of a work item's audit trail.
// Entries are never edited or removed; reads are newest-first.
type HistoryEntry struct {
	ID         int64    `json:"id"`
	WorkItemID string   `json:"work_item_id"`
	TS         string   `json:"ts" format:"date-time"`
	Actor      string   `json:"actor"`
	Action     string   `json:"action"`
	Category   Category `json:"category" enum:"sales,tech,after_sale,alert,info"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Attribute keys used by extension-approval work items.
const (
	AttrDueAt                 = "due_at"
	AttrNewDueAt              = "new_due_at"
	AttrValidReason           = "valid_reason"
	AttrCustomerContactResult = "customer_contact_result"
	AttrExtensionDecision     = "extension_decision"
)
