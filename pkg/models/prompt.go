// Package models contains domain models for distiller.
package models

// PromptTemplateName identifies a stored prompt template.
type PromptTemplateName string

const (
	// PromptKnowledgeUnitClustering guides how fragments are merged into knowledge units.
	PromptKnowledgeUnitClustering PromptTemplateName = "knowledge_unit_clustering"
	// PromptFragmentWeighting guides how fragment confidence and source trust are weighed.
	PromptFragmentWeighting PromptTemplateName = "fragment_weighting"
)

// RequiredPromptTemplates lists the templates synthesis cannot run without.
var RequiredPromptTemplates = []PromptTemplateName{
	PromptKnowledgeUnitClustering,
	PromptFragmentWeighting,
}
