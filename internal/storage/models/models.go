package models

import "time"

// Container types for content nodes.
const (
	ContainerChapter = "chapter"
	ContainerLab     = "lab"
)

// Node types.
const (
	NodeStep       = "step"
	NodeConcept    = "concept"
	NodeExample    = "example"
	NodeDefinition = "definition"
	NodeProcedure  = "procedure"
	NodeListItem   = "list_item"
	NodeHeading    = "heading"
	NodeTable      = "table"
	NodeCodeBlock  = "code_block"
)

// NodeTypeCodes maps a node type to its canonical reference code letter.
var NodeTypeCodes = map[string]string{
	NodeStep:       "S",
	NodeConcept:    "C",
	NodeExample:    "E",
	NodeDefinition: "D",
	NodeProcedure:  "P",
	NodeListItem:   "L",
	NodeHeading:    "H",
	NodeTable:      "T",
	NodeCodeBlock:  "B",
}

// CodeNodeTypes is the reverse of NodeTypeCodes.
var CodeNodeTypes = map[string]string{
	"S": NodeStep,
	"C": NodeConcept,
	"E": NodeExample,
	"D": NodeDefinition,
	"P": NodeProcedure,
	"L": NodeListItem,
	"H": NodeHeading,
	"T": NodeTable,
	"B": NodeCodeBlock,
}

// ContentNode is an atomic, addressable unit of course content. The canonical
// reference is immutable once assigned; updates insert a new version and flip
// IsValid on the old row.
type ContentNode struct {
	ID                   string
	CanonicalReference   string
	CourseID             string
	Day                  int
	ContainerType        string
	ContainerID          string
	ContainerTitle       string
	SequenceNumber       int
	NodeType             string
	Content              string
	Embedding            []float32
	PrimaryTopic         string
	Aliases              []string
	Keywords             []string
	IsDedicatedTopicNode bool
	IsValid              bool
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RegistryEntry is the denormalized, read-optimized projection of a
// ContentNode used for citation formatting and existence checks.
type RegistryEntry struct {
	CanonicalReference string
	CourseID           string
	Day                int
	ContainerType      string
	ContainerID        string
	ContainerTitle     string
	SequenceNumber     int
	NodeType           string
	PrimaryTopic       string
	ContentPreview     string
}

// Query categories.
const (
	CategoryContent     = "content"
	CategoryLabGuidance = "lab_guidance"
	CategoryStructural  = "structural"
	CategoryNavigation  = "navigation"
	CategoryPlanning    = "planning"
	CategoryUnrelated   = "unrelated"
)

// Intent types for content queries.
const (
	IntentDefinition      = "definition"
	IntentExplanation     = "explanation"
	IntentComparison      = "comparison"
	IntentProcedure       = "procedure"
	IntentImplementation  = "implementation"
	IntentStrategy        = "strategy"
	IntentBestPractices   = "best_practices"
	IntentTroubleshooting = "troubleshooting"
	IntentExample         = "example"
	IntentGeneral         = "general"
)

// NormalizedQuery is the per-request structured form of a raw question.
// Ephemeral, never persisted.
type NormalizedQuery struct {
	Category           string
	NormalizedQuestion string
	PrimaryTopic       string
	PrimaryConcepts    []string
	SecondaryConcepts  []string
	ContextualConcepts []string
	IntentType         string
	Confidence         float64
	Corrections        map[string]string

	// Structural fields for non-content categories, parsed locally.
	ChapterNumber    int
	LabNumber        int
	DayNumber        int
	NavigationAction string
}

// AllConcepts returns primary, secondary and contextual concepts in rank order.
func (q *NormalizedQuery) AllConcepts() []string {
	out := make([]string, 0, len(q.PrimaryConcepts)+len(q.SecondaryConcepts)+len(q.ContextualConcepts))
	out = append(out, q.PrimaryConcepts...)
	out = append(out, q.SecondaryConcepts...)
	out = append(out, q.ContextualConcepts...)
	return out
}

// Provenance values for an answer.
const (
	SourceExplicit = "explicit"
	SourceSemantic = "semantic"
	SourceNoNodes  = "no_nodes"
	SourceError    = "error"
)

// ResolvedNodeSet is the ordered outcome of step one of the pipeline.
type ResolvedNodeSet struct {
	Nodes      []ContentNode
	Source     string
	Confidence float64
	Warnings   []string
}

// Reference is one system-owned citation, carrying enough metadata to render
// a descriptive, clickable label.
type Reference struct {
	CanonicalReference string `json:"canonical_reference"`
	Display            string `json:"display"`
	Day                int    `json:"day"`
	ContainerType      string `json:"container_type"`
	ContainerID        string `json:"container_id"`
	ContainerTitle     string `json:"container_title"`
	PrimaryTopic       string `json:"primary_topic,omitempty"`
}

// ReferenceBundle holds one primary plus up to four secondary citations,
// deduplicated by container.
type ReferenceBundle struct {
	Primary   *Reference  `json:"primary,omitempty"`
	Secondary []Reference `json:"secondary,omitempty"`
}

// QueryRecord is the persisted trace of one processed question.
type QueryRecord struct {
	ID           string
	CourseID     string
	UserID       string
	Question     string
	Answer       string
	Source       string
	Confidence   float64
	NodeCount    int
	StrippedRefs int
	LatencyMS    int
	CreatedAt    time.Time
}

// QueryReference records one emitted citation for a query.
type QueryReference struct {
	ID                 int
	QueryID            string
	CanonicalReference string
	Display            string
	IsPrimary          bool
}

// Feedback is a thumbs up/down on an answered query.
type Feedback struct {
	ID        int
	QueryID   string
	Helpful   bool
	Comment   string
	CreatedAt time.Time
}

// NodeFilters narrows candidate fetches. Zero values mean "no filter".
type NodeFilters struct {
	Day           int
	ContainerType string
	ContainerID   string
	PrimaryTopic  string
}
