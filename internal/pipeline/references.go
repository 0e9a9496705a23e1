package pipeline

import (
	"context"

	"github.com/course-coach/backend/internal/registry"
	"github.com/course-coach/backend/internal/storage/models"
)

// AssembleReferences builds the system-owned citation bundle from resolved
// nodes: one citation per container regardless of how many of its nodes were
// used, the richest-metadata node representing each container, one primary
// plus at most maxSecondary secondary references. Node order is preserved,
// so the highest-ranked container becomes the primary citation.
func (p *Pipeline) AssembleReferences(ctx context.Context, courseID string, nodes []models.ContentNode, maxSecondary int) models.ReferenceBundle {
	if maxSecondary <= 0 {
		maxSecondary = 4
	}

	type containerGroup struct {
		representative *models.ContentNode
		score          int
	}

	var order []string
	groups := make(map[string]*containerGroup)

	for i := range nodes {
		node := &nodes[i]
		score := metadataScore(node)

		g, ok := groups[node.ContainerID]
		if !ok {
			groups[node.ContainerID] = &containerGroup{representative: node, score: score}
			order = append(order, node.ContainerID)
			continue
		}
		if score > g.score {
			g.representative = node
			g.score = score
		}
	}

	var bundle models.ReferenceBundle
	for i, containerID := range order {
		if i > maxSecondary {
			break
		}
		ref := p.referenceFor(ctx, courseID, groups[containerID].representative)
		if i == 0 {
			bundle.Primary = &ref
			continue
		}
		bundle.Secondary = append(bundle.Secondary, ref)
	}

	return bundle
}

// metadataScore ranks how descriptive a node's citation would be.
func metadataScore(node *models.ContentNode) int {
	score := 0
	if node.ContainerTitle != "" {
		score++
	}
	if node.PrimaryTopic != "" {
		score++
	}
	return score
}

func (p *Pipeline) referenceFor(ctx context.Context, courseID string, node *models.ContentNode) models.Reference {
	display := ""
	if entry, err := p.registry.Resolve(ctx, courseID, node.CanonicalReference); err == nil {
		display = registry.FormatDisplay(entry)
	} else {
		display = registry.FormatDisplay(&models.RegistryEntry{
			CanonicalReference: node.CanonicalReference,
			Day:                node.Day,
			ContainerType:      node.ContainerType,
			ContainerID:        node.ContainerID,
			ContainerTitle:     node.ContainerTitle,
			SequenceNumber:     node.SequenceNumber,
			NodeType:           node.NodeType,
		})
	}

	return models.Reference{
		CanonicalReference: node.CanonicalReference,
		Display:            display,
		Day:                node.Day,
		ContainerType:      node.ContainerType,
		ContainerID:        node.ContainerID,
		ContainerTitle:     node.ContainerTitle,
		PrimaryTopic:       node.PrimaryTopic,
	}
}
