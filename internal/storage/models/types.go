package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kgengine/backend/pkg/apperr"
)

type EntityType string

const (
	EntityConversationTurn EntityType = "conversation_turn"
	EntityVideoSegment     EntityType = "video_segment"
	EntityCodeFunction     EntityType = "code_function"
	EntityCodeClass        EntityType = "code_class"
	EntityCodeModule       EntityType = "code_module"
	EntityTimelineEvent    EntityType = "timeline_event"
	EntityFileAttachment   EntityType = "file_attachment"
	EntityImage            EntityType = "image_entity"
	EntityAudio            EntityType = "audio_entity"
	EntityText             EntityType = "text_entity"
	EntityKnowledgeConcept EntityType = "knowledge_concept"
)

var entityTypes = []EntityType{
	EntityConversationTurn, EntityVideoSegment, EntityCodeFunction, EntityCodeClass,
	EntityCodeModule, EntityTimelineEvent, EntityFileAttachment, EntityImage,
	EntityAudio, EntityText, EntityKnowledgeConcept,
}

func EntityTypes() []EntityType { return append([]EntityType(nil), entityTypes...) }

func (t EntityType) Valid() bool {
	_, err := t.category()
	return err == nil
}

// Category is the coarse domain an entity type belongs to when no explicit
// domain label was supplied.
func (t EntityType) Category() string {
	c, _ := t.category()
	return c
}

func (t EntityType) category() (string, error) {
	switch t {
	case EntityCodeFunction, EntityCodeClass, EntityCodeModule:
		return "code", nil
	case EntityVideoSegment, EntityImage, EntityAudio:
		return "media", nil
	case EntityConversationTurn:
		return "conversation", nil
	case EntityText, EntityKnowledgeConcept:
		return "knowledge", nil
	case EntityTimelineEvent:
		return "timeline", nil
	case EntityFileAttachment:
		return "files", nil
	}
	return "", fmt.Errorf("unknown entity type %q", string(t))
}

func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.TrimSpace(strings.ToLower(s)))
	if !t.Valid() {
		return "", apperr.Validation("ParseEntityType", "unknown entity type %q", s)
	}
	return t, nil
}

type RelationshipFamily string

const (
	FamilyTemporal   RelationshipFamily = "temporal"
	FamilyContent    RelationshipFamily = "content"
	FamilyStructural RelationshipFamily = "structural"
	FamilyCrossModal RelationshipFamily = "cross_modal"
	FamilyLearning   RelationshipFamily = "learning"
)

type RelationshipType string

const (
	RelPrecedes   RelationshipType = "precedes"
	RelFollows    RelationshipType = "follows"
	RelConcurrent RelationshipType = "concurrent"
	RelEnables    RelationshipType = "enables"
	RelDependsOn  RelationshipType = "depends_on"

	RelDiscusses    RelationshipType = "discusses"
	RelImplements   RelationshipType = "implements"
	RelReferences   RelationshipType = "references"
	RelExplains     RelationshipType = "explains"
	RelDemonstrates RelationshipType = "demonstrates"

	RelContains   RelationshipType = "contains"
	RelPartOf     RelationshipType = "part_of"
	RelSimilarTo  RelationshipType = "similar_to"
	RelRelatedTo  RelationshipType = "related_to"
	RelOppositeOf RelationshipType = "opposite_of"

	RelVisualizes  RelationshipType = "visualizes"
	RelDescribes   RelationshipType = "describes"
	RelTranscribes RelationshipType = "transcribes"
	RelSummarizes  RelationshipType = "summarizes"
	RelExtends     RelationshipType = "extends"

	RelPrerequisite RelationshipType = "prerequisite"
	RelBuildsOn     RelationshipType = "builds_on"
	RelReinforces   RelationshipType = "reinforces"
	RelApplies      RelationshipType = "applies"
	RelTeaches      RelationshipType = "teaches"
)

var relationshipTypes = []RelationshipType{
	RelPrecedes, RelFollows, RelConcurrent, RelEnables, RelDependsOn,
	RelDiscusses, RelImplements, RelReferences, RelExplains, RelDemonstrates,
	RelContains, RelPartOf, RelSimilarTo, RelRelatedTo, RelOppositeOf,
	RelVisualizes, RelDescribes, RelTranscribes, RelSummarizes, RelExtends,
	RelPrerequisite, RelBuildsOn, RelReinforces, RelApplies, RelTeaches,
}

func RelationshipTypes() []RelationshipType {
	return append([]RelationshipType(nil), relationshipTypes...)
}

func (t RelationshipType) Valid() bool {
	_, err := t.family()
	return err == nil
}

func (t RelationshipType) Family() RelationshipFamily {
	f, _ := t.family()
	return f
}

func (t RelationshipType) family() (RelationshipFamily, error) {
	switch t {
	case RelPrecedes, RelFollows, RelConcurrent, RelEnables, RelDependsOn:
		return FamilyTemporal, nil
	case RelDiscusses, RelImplements, RelReferences, RelExplains, RelDemonstrates:
		return FamilyContent, nil
	case RelContains, RelPartOf, RelSimilarTo, RelRelatedTo, RelOppositeOf:
		return FamilyStructural, nil
	case RelVisualizes, RelDescribes, RelTranscribes, RelSummarizes, RelExtends:
		return FamilyCrossModal, nil
	case RelPrerequisite, RelBuildsOn, RelReinforces, RelApplies, RelTeaches:
		return FamilyLearning, nil
	}
	return "", fmt.Errorf("unknown relationship type %q", string(t))
}

func ParseRelationshipType(s string) (RelationshipType, error) {
	t := RelationshipType(strings.TrimSpace(strings.ToLower(s)))
	if !t.Valid() {
		return "", apperr.Validation("ParseRelationshipType", "unknown relationship type %q", s)
	}
	return t, nil
}

// ParseRelationshipTypes parses a list, dropping duplicates and returning the
// result sorted so it can take part in cache keys.
func ParseRelationshipTypes(values []string) ([]RelationshipType, error) {
	seen := make(map[RelationshipType]bool, len(values))
	out := make([]RelationshipType, 0, len(values))
	for _, v := range values {
		t, err := ParseRelationshipType(v)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func ParseEntityTypes(values []string) ([]EntityType, error) {
	seen := make(map[EntityType]bool, len(values))
	out := make([]EntityType, 0, len(values))
	for _, v := range values {
		t, err := ParseEntityType(v)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type ExtractionMethod string

const (
	ExtractionManual      ExtractionMethod = "manual"
	ExtractionAI          ExtractionMethod = "ai_extracted"
	ExtractionUserDefined ExtractionMethod = "user_defined"
)

func (m ExtractionMethod) Valid() bool {
	switch m {
	case ExtractionManual, ExtractionAI, ExtractionUserDefined:
		return true
	}
	return false
}

// Level is the learning level an entity is tagged with.
type Level int

const (
	LevelUnspecified Level = iota
	LevelBeginner
	LevelIntermediate
	LevelAdvanced
	LevelExpert
)

func (l Level) String() string {
	switch l {
	case LevelBeginner:
		return "beginner"
	case LevelIntermediate:
		return "intermediate"
	case LevelAdvanced:
		return "advanced"
	case LevelExpert:
		return "expert"
	default:
		return "unspecified"
	}
}

func ParseLevel(s string) Level {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "beginner", "basic", "introductory":
		return LevelBeginner
	case "intermediate":
		return LevelIntermediate
	case "advanced":
		return LevelAdvanced
	case "expert":
		return LevelExpert
	default:
		return LevelUnspecified
	}
}
