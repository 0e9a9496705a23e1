package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/course-coach/backend/internal/storage/models"
)

const chapterHTML = `<html><body>
<h1>Keyword Research</h1>
<p>Keyword research is the process of finding the terms people search for.</p>
<p>For example, a bakery might target "sourdough starter recipe".</p>
<ol>
  <li>Open the keyword planner.</li>
  <li>Enter a seed term.</li>
</ol>
<ul>
  <li>Search volume</li>
  <li>Competition</li>
</ul>
<pre>GET /keywords?seed=bakery</pre>
<table><tr><th>Term</th><th>Volume</th></tr><tr><td>bakery</td><td>1200</td></tr></table>
</body></html>`

func parse(t *testing.T, in ContainerInput) []segment {
	t.Helper()
	p := &Processor{}
	segments, err := p.parseHTML(in)
	require.NoError(t, err)
	return segments
}

func refsByType(segments []segment) map[string][]string {
	out := make(map[string][]string)
	for _, s := range segments {
		out[s.nodeType] = append(out[s.nodeType], s.ref)
	}
	return out
}

func TestParseHTMLClassifiesNodes(t *testing.T) {
	segments := parse(t, ContainerInput{
		CourseID: "seo-101", Day: 1, ContainerType: models.ContainerChapter,
		ContainerSeq: 2, HTML: chapterHTML,
	})

	byType := refsByType(segments)

	assert.Equal(t, []string{"D1.C2.H1"}, byType[models.NodeHeading])
	assert.Equal(t, []string{"D1.C2.D1"}, byType[models.NodeDefinition])
	assert.Equal(t, []string{"D1.C2.E1"}, byType[models.NodeExample])
	assert.Equal(t, []string{"D1.C2.S1", "D1.C2.S2"}, byType[models.NodeStep])
	assert.Equal(t, []string{"D1.C2.P1"}, byType[models.NodeProcedure])
	assert.Equal(t, []string{"D1.C2.L1", "D1.C2.L2"}, byType[models.NodeListItem])
	assert.Equal(t, []string{"D1.C2.B1"}, byType[models.NodeCodeBlock])
	assert.Equal(t, []string{"D1.C2.T1"}, byType[models.NodeTable])
}

func TestParseHTMLDeterministicAcrossRuns(t *testing.T) {
	in := ContainerInput{
		CourseID: "seo-101", Day: 1, ContainerType: models.ContainerChapter,
		ContainerSeq: 2, HTML: chapterHTML,
	}

	first := parse(t, in)
	second := parse(t, in)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ref, second[i].ref)
		assert.Equal(t, first[i].content, second[i].content)
	}
}

func TestParseHTMLLabUsesLabRefs(t *testing.T) {
	segments := parse(t, ContainerInput{
		CourseID: "seo-101", Day: 2, ContainerType: models.ContainerLab,
		ContainerSeq: 1, HTML: `<body><ol><li>Install the CLI.</li></ol></body>`,
	})

	require.Len(t, segments, 1)
	assert.Equal(t, "D2.L1.S1", segments[0].ref)
	assert.Equal(t, models.NodeStep, segments[0].nodeType)
}

func TestParseHTMLMarksDedicatedTopicNodes(t *testing.T) {
	segments := parse(t, ContainerInput{
		CourseID: "seo-101", Day: 1, ContainerType: models.ContainerChapter,
		ContainerSeq: 1, PrimaryTopic: "keyword research",
		HTML: `<body><h2>Keyword Research Basics</h2><p>Other topic entirely, with several words in it.</p></body>`,
	})

	require.Len(t, segments, 2)
	assert.True(t, segments[0].dedicated)
	assert.False(t, segments[1].dedicated)
}

func TestParseHTMLSkipsChrome(t *testing.T) {
	segments := parse(t, ContainerInput{
		CourseID: "seo-101", Day: 1, ContainerType: models.ContainerChapter,
		ContainerSeq: 1,
		HTML: `<body><nav>skip me</nav><script>skip()</script><p>Keep this paragraph of real content.</p></body>`,
	})

	require.Len(t, segments, 1)
	assert.Equal(t, "Keep this paragraph of real content.", segments[0].content)
}

func TestParseHTMLNestedContainers(t *testing.T) {
	segments := parse(t, ContainerInput{
		CourseID: "seo-101", Day: 1, ContainerType: models.ContainerChapter,
		ContainerSeq: 1,
		HTML: `<body><section><div><p>Nested content still gets picked up here.</p></div></section></body>`,
	})

	require.Len(t, segments, 1)
	assert.Equal(t, models.NodeConcept, segments[0].nodeType)
}

func TestProcessContainerRejectsBadInput(t *testing.T) {
	p := &Processor{}

	_, err := p.ProcessContainer(nil, ContainerInput{Day: 1, ContainerType: models.ContainerChapter, ContainerSeq: 1})
	assert.Error(t, err, "missing course id")

	_, err = p.ProcessContainer(nil, ContainerInput{CourseID: "c", Day: 1, ContainerType: "module", ContainerSeq: 1})
	assert.Error(t, err, "unknown container type")

	_, err = p.ProcessContainer(nil, ContainerInput{CourseID: "c", Day: 0, ContainerType: models.ContainerChapter, ContainerSeq: 1})
	assert.Error(t, err, "day out of range")
}
