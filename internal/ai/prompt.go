package ai

import (
	"fmt"
	"strings"

	"github.com/m-mizutani/gollem"
)

// BuildSystemPrompt creates the system prompt: fixed instructions followed by the
// stored clustering and fragment-weighting guidance.
func BuildSystemPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString("You are a knowledge synthesis assistant. You receive transcribed fragments that a similarity search grouped together ")
	sb.WriteString("and decide which of them describe the same piece of knowledge.\n\n")
	sb.WriteString("## Instructions:\n\n")
	sb.WriteString("1. Merge fragments that state the same fact, decision or procedure into one knowledge unit.\n")
	sb.WriteString("2. Every knowledge unit must reference at least two fragment ids taken from the input.\n")
	sb.WriteString("3. Use only category names from the category list.\n")
	sb.WriteString("4. Set confidence to low, medium or high and explain it in confidence_comment.\n")
	sb.WriteString("5. Explain in clustering_rationale why the fragments belong together.\n")
	sb.WriteString("6. Leave fragments out when they do not fit any unit. If nothing should be merged, answer with type \"no_units\".\n\n")

	if g := strings.TrimSpace(req.ClusteringGuidance); g != "" {
		sb.WriteString("## Clustering guidance:\n\n")
		sb.WriteString(g)
		sb.WriteString("\n\n")
	}
	if g := strings.TrimSpace(req.WeightingGuidance); g != "" {
		sb.WriteString("## Fragment weighting guidance:\n\n")
		sb.WriteString(g)
		sb.WriteString("\n")
	}

	return sb.String()
}

// BuildUserPrompt lists the categories and participant fragments.
func BuildUserPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString("<categories>\n")
	for _, c := range req.Categories {
		sb.WriteString(fmt.Sprintf("  <category name=%q>", c.Name))
		if c.Guidance != "" {
			sb.WriteString(c.Guidance)
		}
		sb.WriteString("</category>\n")
	}
	sb.WriteString("</categories>\n\n")

	sb.WriteString("<fragments>\n")
	for _, f := range req.Fragments {
		writeFragment(&sb, f)
	}
	sb.WriteString("</fragments>")

	return sb.String()
}

func writeFragment(sb *strings.Builder, f FragmentInput) {
	sb.WriteString(fmt.Sprintf("  <fragment id=\"%d\">\n", f.ID))
	sb.WriteString(fmt.Sprintf("    <title>%s</title>\n", f.Title))
	sb.WriteString(fmt.Sprintf("    <category>%s</category>\n", f.Category))
	sb.WriteString(fmt.Sprintf("    <confidence>%s</confidence>\n", f.Confidence))
	if f.ConfidenceComment != "" {
		sb.WriteString(fmt.Sprintf("    <confidence_comment>%s</confidence_comment>\n", f.ConfidenceComment))
	}
	if src := f.Source; src != nil {
		sb.WriteString("    <source>\n")
		if src.OccurredAt != nil {
			sb.WriteString(fmt.Sprintf("      <date>%s</date>\n", src.OccurredAt.Format("2006-01-02")))
		}
		if src.SourceType != "" {
			sb.WriteString(fmt.Sprintf("      <type>%s</type>\n", src.SourceType))
		}
		if src.Scope != "" {
			sb.WriteString(fmt.Sprintf("      <scope>%s</scope>\n", src.Scope))
		}
		if src.SpeakerName != "" {
			sb.WriteString(fmt.Sprintf("      <primary_speaker trust=%q>%s</primary_speaker>\n", src.SpeakerTrust, src.SpeakerName))
		}
		sb.WriteString("    </source>\n")
	}
	if len(f.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("    <tags>%s</tags>\n", strings.Join(f.Tags, ", ")))
	}
	sb.WriteString(fmt.Sprintf("    <content>%s</content>\n", f.Content))
	sb.WriteString("  </fragment>\n")
}

// ResponseSchema is the JSON schema the model must answer with.
func ResponseSchema() *gollem.Parameter {
	return &gollem.Parameter{
		Title:       "KnowledgeUnitSynthesisResponse",
		Description: "Knowledge units synthesized from the input fragments",
		Type:        gollem.TypeObject,
		Properties: map[string]*gollem.Parameter{
			"type": {
				Type:        gollem.TypeString,
				Description: "knowledge_units when units are proposed, no_units otherwise",
				Required:    true,
				Enum:        []string{string(ResponseUnits), string(ResponseNoUnits)},
			},
			"message": {
				Type:        gollem.TypeString,
				Description: "Optional note about the fragment group as a whole",
			},
			"units": {
				Type:        gollem.TypeArray,
				Description: "Proposed knowledge units",
				Required:    true,
				Items: &gollem.Parameter{
					Type: gollem.TypeObject,
					Properties: map[string]*gollem.Parameter{
						"title":                {Type: gollem.TypeString, Description: "Short title", Required: true},
						"summary":              {Type: gollem.TypeString, Description: "One or two sentence summary", Required: true},
						"content":              {Type: gollem.TypeString, Description: "Full synthesized text", Required: true},
						"category":             {Type: gollem.TypeString, Description: "Category name from the category list", Required: true},
						"confidence":           {Type: gollem.TypeString, Description: "low, medium or high", Enum: []string{"low", "medium", "high"}},
						"confidence_comment":   {Type: gollem.TypeString, Description: "Why this confidence was chosen"},
						"clustering_rationale": {Type: gollem.TypeString, Description: "Why these fragments belong together"},
						"fragment_ids": {
							Type:        gollem.TypeArray,
							Description: "Ids of the input fragments merged into this unit",
							Required:    true,
							Items:       &gollem.Parameter{Type: gollem.TypeInteger},
						},
					},
				},
			},
		},
	}
}
