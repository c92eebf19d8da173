package graph

// Collection names in the graph store.
const (
	CollNovel        = "Novel"
	CollChapter      = "Chapter"
	CollCharacter    = "Character"
	CollLocation     = "Location"
	CollOrganization = "Organization"
	CollEvent        = "Event"
	CollPlot         = "Plot"
)

// Relation edge types (spec.md §3's edge types). Each edge is stored as
// a document in the separate Relation collection (CollRelation), whose
// relType field holds one of these strings.
const (
	RelAppearsIn      = "APPEARS_IN"
	RelParticipatesIn = "PARTICIPATES_IN"
	RelOccursIn       = "OCCURS_IN"
	RelBelongsTo      = "BELONGS_TO"
	RelFriend         = "FRIEND"
	RelEnemy          = "ENEMY"
	RelLoves          = "LOVES"
	RelHates          = "HATES"
	RelKnows          = "KNOWS"
	RelLeads          = "LEADS"
	RelFollows        = "FOLLOWS"
	RelPartOf         = "PART_OF"
	RelHappensIn      = "HAPPENS_IN"
	RelPrecedes       = "PRECEDES"
	RelParallelTo     = "PARALLEL_TO"
	RelConflictsWith  = "CONFLICTS_WITH"
	RelIncludes       = "INCLUDES"
	RelComplements    = "COMPLEMENTS"
)

// SchemaSDL is the DefraDB schema registered once at startup, defining
// every node collection and the relation fields between them.
const SchemaSDL = `
type Novel {
	novelID: Int @index
	title: String
	author: String
}

type Chapter {
	novelID: Int @index
	chapterID: Int @index
	index: Int
	title: String
}

type Character {
	novelID: Int @index
	name: String @index
	aliases: [String]
	description: String
	taskIDs: [Int]
}

type Location {
	novelID: Int @index
	name: String @index
	description: String
	taskIDs: [Int]
}

type Organization {
	novelID: Int @index
	name: String @index
	description: String
	taskIDs: [Int]
}

type Event {
	novelID: Int @index
	chapterID: Int @index
	eventKey: String @index
	name: String
	description: String
	taskIDs: [Int]
}

type Plot {
	novelID: Int @index
	name: String @index
	description: String
	taskIDs: [Int]
}

type Relation {
	novelID: Int @index
	fromDocID: String @index
	toDocID: String @index
	relType: String @index
	taskIDs: [Int]
}
`

// CollRelation is the collection holding typed edges between nodes.
// DefraDB's native relation fields require both endpoint collections
// to be known at schema-definition time; since an edge here can
// connect any of six node types, edges are modeled as rows in their
// own collection instead (fromDocID, toDocID, relType), looked up by
// docID rather than expressed as a GraphQL relation field.
const CollRelation = "Relation"
