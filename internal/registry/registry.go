package registry

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/errs"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

// refPattern is the canonical reference grammar: D<day>.<C|L><containerSeq>.<code><nodeSeq>.
var refPattern = regexp.MustCompile(`^D(\d+)\.(C|L)(\d+)\.([SCEDPLHTB])(\d+)$`)

// containerOrdinalPattern extracts the container ordinal from human container
// ids like "day1-ch2" or "day3_lab1".
var containerOrdinalPattern = regexp.MustCompile(`(?i)(?:ch(?:apter)?|lab)[-_ ]?(\d+)`)

// RefParts is a canonical reference decomposed into its segments.
type RefParts struct {
	Day           int
	ContainerType string
	ContainerSeq  int
	NodeCode      string
	NodeSeq       int
}

// ParseRef validates ref against the canonical grammar and decomposes it.
// Malformed references fail with InvalidFormatError, never NotFoundError.
func ParseRef(ref string) (*RefParts, error) {
	m := refPattern.FindStringSubmatch(ref)
	if m == nil {
		return nil, &errs.InvalidFormatError{Ref: ref}
	}

	day, _ := strconv.Atoi(m[1])
	containerSeq, _ := strconv.Atoi(m[3])
	nodeSeq, _ := strconv.Atoi(m[5])

	containerType := models.ContainerChapter
	if m[2] == "L" {
		containerType = models.ContainerLab
	}

	return &RefParts{
		Day:           day,
		ContainerType: containerType,
		ContainerSeq:  containerSeq,
		NodeCode:      m[4],
		NodeSeq:       nodeSeq,
	}, nil
}

// BuildRef reconstructs the canonical reference string for the given segments.
func BuildRef(day int, containerType string, containerSeq int, nodeCode string, nodeSeq int) string {
	containerCode := "C"
	if containerType == models.ContainerLab {
		containerCode = "L"
	}
	return fmt.Sprintf("D%d.%s%d.%s%d", day, containerCode, containerSeq, nodeCode, nodeSeq)
}

// ContainerPrefix returns the reference prefix shared by all nodes of one
// container, e.g. "D1.C2.".
func ContainerPrefix(day int, containerType string, containerSeq int) string {
	containerCode := "C"
	if containerType == models.ContainerLab {
		containerCode = "L"
	}
	return fmt.Sprintf("D%d.%s%d.", day, containerCode, containerSeq)
}

// EntryStore is the persistence the registry reads from.
type EntryStore interface {
	GetEntry(ctx context.Context, courseID, ref string) (*models.RegistryEntry, error)
	GetNodesByRefs(ctx context.Context, courseID string, refs []string) ([]models.ContentNode, error)
	NodesForContainerPrefix(ctx context.Context, courseID, prefix string) ([]models.ContentNode, error)
}

// Registry resolves canonical references to display metadata and answers
// existence checks. Resolved entries are cached with no TTL; the ingestion
// collaborator invalidates via ClearCache after reindexing.
type Registry struct {
	store EntryStore

	mu    sync.RWMutex
	cache map[string]*models.RegistryEntry
}

func New(store EntryStore) *Registry {
	return &Registry{
		store: store,
		cache: make(map[string]*models.RegistryEntry),
	}
}

// Resolve returns the registry entry for ref. It fails with
// InvalidFormatError for malformed input and NotFoundError when no valid node
// carries the reference.
func (r *Registry) Resolve(ctx context.Context, courseID, ref string) (*models.RegistryEntry, error) {
	if _, err := ParseRef(ref); err != nil {
		return nil, err
	}

	key := courseID + "/" + ref

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return entry, nil
	}

	entry, err := r.store.GetEntry(ctx, courseID, ref)
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	if entry == nil {
		return nil, &errs.NotFoundError{Ref: ref}
	}

	r.mu.Lock()
	r.cache[key] = entry
	r.mu.Unlock()

	return entry, nil
}

// Exists reports whether ref names a valid node.
func (r *Registry) Exists(ctx context.Context, courseID, ref string) bool {
	_, err := r.Resolve(ctx, courseID, ref)
	return err == nil
}

// BatchResolve resolves a set of references, silently dropping (and logging)
// individually unresolvable ones. This is a display-layer convenience;
// partial success is acceptable.
func (r *Registry) BatchResolve(ctx context.Context, courseID string, refs []string) []models.RegistryEntry {
	entries := make([]models.RegistryEntry, 0, len(refs))
	for _, ref := range refs {
		entry, err := r.Resolve(ctx, courseID, ref)
		if err != nil {
			logger.Debug("Dropping unresolvable reference",
				zap.String("ref", ref),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries
}

// NodesForContainer returns all valid nodes of one container in sequence
// order, the expansion target of partial explicit references.
func (r *Registry) NodesForContainer(ctx context.Context, courseID string, day int, containerType string, containerSeq int) ([]models.ContentNode, error) {
	return r.store.NodesForContainerPrefix(ctx, courseID, ContainerPrefix(day, containerType, containerSeq))
}

// FetchNodes batch-fetches the content nodes behind a set of references,
// preserving order.
func (r *Registry) FetchNodes(ctx context.Context, courseID string, refs []string) ([]models.ContentNode, error) {
	return r.store.GetNodesByRefs(ctx, courseID, refs)
}

// ClearCache drops all cached entries. Safe to run concurrently with
// in-flight resolves, which simply refetch.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]*models.RegistryEntry)
	r.mu.Unlock()

	logger.Info("Registry cache cleared")
}

var nodeTypeLabels = map[string]string{
	models.NodeStep:       "Step",
	models.NodeConcept:    "Concept",
	models.NodeExample:    "Example",
	models.NodeDefinition: "Definition",
	models.NodeProcedure:  "Procedure",
	models.NodeListItem:   "Item",
	models.NodeHeading:    "Section",
	models.NodeTable:      "Table",
	models.NodeCodeBlock:  "Code Block",
}

// FormatDisplay renders a deterministic human-readable label for an entry,
// e.g. "Day 1 → Chapter 1 → Step 3". When the container id cannot be parsed
// structurally it falls back to the container title, then to a generic
// "Day X → <type> <seq>" label.
func FormatDisplay(entry *models.RegistryEntry) string {
	nodeLabel := nodeTypeLabels[entry.NodeType]
	if nodeLabel == "" {
		nodeLabel = titleCase(entry.NodeType)
	}
	nodePart := fmt.Sprintf("%s %d", nodeLabel, entry.SequenceNumber)

	containerLabel := models.ContainerChapter
	if entry.ContainerType == models.ContainerLab {
		containerLabel = models.ContainerLab
	}
	containerLabel = titleCase(containerLabel)

	if m := containerOrdinalPattern.FindStringSubmatch(entry.ContainerID); m != nil {
		return fmt.Sprintf("Day %d → %s %s → %s", entry.Day, containerLabel, m[1], nodePart)
	}
	if entry.ContainerTitle != "" {
		return fmt.Sprintf("Day %d → %s → %s", entry.Day, entry.ContainerTitle, nodePart)
	}
	return fmt.Sprintf("Day %d → %s %d", entry.Day, containerLabel, entry.SequenceNumber)
}

// titleCase upper-cases the first byte only. Labels here are ASCII words.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
