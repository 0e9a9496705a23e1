package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/errs"
	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

// Resolution type values.
const (
	TypeNone    = "none"
	TypePartial = "partial"
	TypeExact   = "exact"
)

// Resolution is the outcome of explicit reference detection.
type Resolution struct {
	Type       string
	Nodes      []models.ContentNode
	Confidence float64
	Warnings   []string
}

// parsedRef is one detected location before validation and lookup.
type parsedRef struct {
	Day           int
	ContainerType string
	ContainerSeq  int
	NodeCode      string
	NodeSeq       int
	IsPartial     bool
}

// rule couples one pattern family with its parser. The table is ordered:
// more specific families first, partial forms last so a full reference is
// never half-matched by its own prefix.
type rule struct {
	name    string
	pattern *regexp.Regexp
	parse   func(m []string) parsedRef
}

// Patterns run against the normalized question (lowercase, collapsed
// whitespace, arrows reduced to spaces).
var rules = []rule{
	{
		name:    "canonical",
		pattern: regexp.MustCompile(`\bd(\d+)\.(c|l)(\d+)\.([scedplhtb])(\d+)\b`),
		parse: func(m []string) parsedRef {
			return parsedRef{
				Day:           atoi(m[1]),
				ContainerType: containerFor(m[2]),
				ContainerSeq:  atoi(m[3]),
				NodeCode:      strings.ToUpper(m[4]),
				NodeSeq:       atoi(m[5]),
			}
		},
	},
	{
		name:    "day_chapter_step",
		pattern: regexp.MustCompile(`\bday\s+(\d+)\s*,?\s*chapter\s+(\d+)\s*,?\s*step\s+(\d+)\b`),
		parse: func(m []string) parsedRef {
			return parsedRef{Day: atoi(m[1]), ContainerType: models.ContainerChapter, ContainerSeq: atoi(m[2]), NodeCode: "S", NodeSeq: atoi(m[3])}
		},
	},
	{
		name:    "day_lab_step",
		pattern: regexp.MustCompile(`\bday\s+(\d+)\s*,?\s*lab\s+(\d+)\s*,?\s*step\s+(\d+)\b`),
		parse: func(m []string) parsedRef {
			return parsedRef{Day: atoi(m[1]), ContainerType: models.ContainerLab, ContainerSeq: atoi(m[2]), NodeCode: "S", NodeSeq: atoi(m[3])}
		},
	},
	{
		name:    "step_of_lab_on_day",
		pattern: regexp.MustCompile(`\bstep\s+(\d+)\s+(?:of|in|from)\s+lab\s+(\d+)\s+(?:on|of|from)\s+day\s+(\d+)\b`),
		parse: func(m []string) parsedRef {
			return parsedRef{Day: atoi(m[3]), ContainerType: models.ContainerLab, ContainerSeq: atoi(m[2]), NodeCode: "S", NodeSeq: atoi(m[1])}
		},
	},
	{
		name:    "lab_of_day_step",
		pattern: regexp.MustCompile(`\blab\s+(\d+)\s+(?:of|on|from)\s+day\s+(\d+)\s*,?\s*step\s+(\d+)\b`),
		parse: func(m []string) parsedRef {
			return parsedRef{Day: atoi(m[2]), ContainerType: models.ContainerLab, ContainerSeq: atoi(m[1]), NodeCode: "S", NodeSeq: atoi(m[3])}
		},
	},
	{
		name:    "day_chapter_partial",
		pattern: regexp.MustCompile(`\bday\s+(\d+)\s*,?\s*chapter\s+(\d+)\b`),
		parse: func(m []string) parsedRef {
			return parsedRef{Day: atoi(m[1]), ContainerType: models.ContainerChapter, ContainerSeq: atoi(m[2]), IsPartial: true}
		},
	},
	{
		name:    "day_lab_partial",
		pattern: regexp.MustCompile(`\bday\s+(\d+)\s*,?\s*lab\s+(\d+)\b`),
		parse: func(m []string) parsedRef {
			return parsedRef{Day: atoi(m[1]), ContainerType: models.ContainerLab, ContainerSeq: atoi(m[2]), IsPartial: true}
		},
	},
}

// Resolver deterministically detects user-stated locations. No generation
// provider is involved anywhere in this path: explicit references must never
// be subject to model drift.
type Resolver struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Resolver {
	return &Resolver{registry: reg}
}

// Resolve scans the original question for explicit references and looks them
// up. Not-found references lower the resolved count but never produce an
// error; only malformed input (an empty question) does.
func (r *Resolver) Resolve(ctx context.Context, courseID, question string) (*Resolution, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errs.Validationf("resolver requires a non-empty question")
	}

	normalized := normalizeQuestion(question)
	refs := matchAll(normalized)
	if len(refs) == 0 {
		return &Resolution{Type: TypeNone, Confidence: 0.0}, nil
	}

	res := &Resolution{Type: TypeNone}
	resolved := 0
	hasExact := false
	seen := make(map[string]bool)

	for _, pr := range refs {
		if pr.IsPartial {
			nodes, err := r.registry.NodesForContainer(ctx, courseID, pr.Day, pr.ContainerType, pr.ContainerSeq)
			if err != nil {
				logger.Warn("Partial reference lookup failed",
					zap.Int("day", pr.Day),
					zap.String("container_type", pr.ContainerType),
					zap.Error(err),
				)
				continue
			}
			if len(nodes) == 0 {
				continue
			}
			for _, n := range nodes {
				if !seen[n.CanonicalReference] {
					seen[n.CanonicalReference] = true
					res.Nodes = append(res.Nodes, n)
				}
			}
			resolved++
			continue
		}

		ref := registry.BuildRef(pr.Day, pr.ContainerType, pr.ContainerSeq, pr.NodeCode, pr.NodeSeq)
		nodes, err := r.registry.FetchNodes(ctx, courseID, []string{ref})
		if err != nil {
			logger.Warn("Exact reference lookup failed", zap.String("ref", ref), zap.Error(err))
			continue
		}
		if len(nodes) == 0 {
			continue
		}
		if !seen[ref] {
			seen[ref] = true
			res.Nodes = append(res.Nodes, nodes[0])
		}
		resolved++
		hasExact = true
	}

	if resolved < len(refs) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%d of %d references resolved", resolved, len(refs)))
	}

	if len(res.Nodes) == 0 {
		res.Type = TypeNone
		res.Confidence = 0.0
		return res, nil
	}

	if hasExact {
		res.Type = TypeExact
	} else {
		res.Type = TypePartial
	}
	res.Confidence = 1.0

	logger.Debug("Explicit references resolved",
		zap.String("type", res.Type),
		zap.Int("nodes", len(res.Nodes)),
		zap.Strings("warnings", res.Warnings),
	)

	return res, nil
}

// matchAll runs the rule table in order and validates each parsed match.
// A span consumed by an earlier rule is not re-matched by a later (partial)
// one. Out-of-range matches are discarded, not errored.
func matchAll(normalized string) []parsedRef {
	var out []parsedRef
	consumed := make([][2]int, 0, 4)

	for _, rl := range rules {
		for _, loc := range rl.pattern.FindAllStringSubmatchIndex(normalized, -1) {
			if overlaps(consumed, loc[0], loc[1]) {
				continue
			}
			m := submatches(normalized, loc)
			pr := rl.parse(m)
			if !validRange(pr) {
				continue
			}
			consumed = append(consumed, [2]int{loc[0], loc[1]})
			out = append(out, pr)
		}
	}
	return out
}

func validRange(pr parsedRef) bool {
	if pr.Day < 1 || pr.Day > 365 {
		return false
	}
	if pr.ContainerSeq < 1 || pr.ContainerSeq > 100 {
		return false
	}
	if pr.ContainerType != models.ContainerChapter && pr.ContainerType != models.ContainerLab {
		return false
	}
	if !pr.IsPartial && (pr.NodeSeq < 1 || pr.NodeSeq > 1000) {
		return false
	}
	return true
}

func normalizeQuestion(question string) string {
	q := strings.ToLower(question)
	q = strings.NewReplacer("→", " ", "->", " ", ">", " ").Replace(q)
	return strings.Join(strings.Fields(q), " ")
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && end > s[0] {
			return true
		}
	}
	return false
}

func submatches(s string, loc []int) []string {
	m := make([]string, len(loc)/2)
	for i := 0; i < len(loc); i += 2 {
		if loc[i] >= 0 {
			m[i/2] = s[loc[i]:loc[i+1]]
		}
	}
	return m
}

func containerFor(code string) string {
	if code == "l" {
		return models.ContainerLab
	}
	return models.ContainerChapter
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
