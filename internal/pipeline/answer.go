package pipeline

import (
	"regexp"
	"strings"

	"github.com/course-coach/backend/internal/storage/models"
)

var importanceLanguage = regexp.MustCompile(`(?i)\b(important|critical|essential|crucial|key|fundamental|matters)\b`)

var intentParaphrases = map[string]string{
	models.IntentDefinition:      "you want to know what this means",
	models.IntentExplanation:     "you want to understand how this works",
	models.IntentComparison:      "you want to see how these compare",
	models.IntentProcedure:       "you want to know how to do this",
	models.IntentImplementation:  "you want to put this into practice",
	models.IntentStrategy:        "you want to know how to approach this",
	models.IntentBestPractices:   "you want to know the recommended way",
	models.IntentTroubleshooting: "you are running into a problem with this",
	models.IntentExample:         "you want to see this in action",
	models.IntentGeneral:         "you want to learn more about this",
}

// AssembleAnswer renders the fixed coach template around the generated
// explanation. References are rendered by a separate layer, never inside
// the prose, so citations are not duplicated.
func AssembleAnswer(q *models.NormalizedQuery, explanation string) string {
	var b strings.Builder

	b.WriteString("Happy to help you with this one.\n\n")

	paraphrase := intentParaphrases[q.IntentType]
	if paraphrase == "" {
		paraphrase = intentParaphrases[models.IntentGeneral]
	}
	b.WriteString("If I understood correctly, ")
	b.WriteString(paraphrase)
	if q.PrimaryTopic != "" {
		b.WriteString(", specifically around ")
		b.WriteString(q.PrimaryTopic)
	}
	b.WriteString(".\n\n")

	b.WriteString(explanation)
	b.WriteString("\n")

	if importanceLanguage.MatchString(explanation) {
		b.WriteString("\nWhy this matters: getting this right early will pay off through the rest of the course.\n")
	}

	if q.Category == models.CategoryLabGuidance {
		b.WriteString("\nGive it another try with this in mind, and tell me what you observe. We can dig deeper from there.")
	} else {
		b.WriteString("\nWant to go further? Try applying this to the next exercise, or ask me a follow-up question.")
	}

	return b.String()
}
