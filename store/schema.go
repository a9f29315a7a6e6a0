package store

import (
	"fmt"
	"time"

	"github.com/sicko7947/placeflow"
)

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"
	AttrRevision   = "revision"
	AttrNextRoot   = "next_root"

	// Entity types
	EntityTypeInstance = "WorkflowInstance"
	EntityTypeDocument = "DocumentVersion"
	EntityTypeCounter  = "Counter"

	// Index names
	IndexProjectIndex  = "GSI1"
	IndexRelationIndex = "GSI2"

	// DynamoDB rejects larger transactions
	maxTransactItems = 100
)

// Key builders for single-table design

// WorkflowInstance keys: PK=INST#{id}, SK=META
func instancePK(instanceID string) string {
	return fmt.Sprintf("INST#%s", instanceID)
}

func instanceSK() string {
	return "META"
}

// Instances by project: GSI1PK=PROJ#{projectID}#INST, GSI1SK={createdAt}#{id}
func projectInstancesGSI1PK(projectID string) string {
	return fmt.Sprintf("PROJ#%s#INST", projectID)
}

func createdGSI1SK(createdAt time.Time, id string) string {
	return fmt.Sprintf("%s#%s", createdAt.UTC().Format(time.RFC3339Nano), id)
}

// Children by parent: GSI2PK=PARENT#{parentID}, GSI2SK={createdAt}#{id}
func parentGSI2PK(parentID string) string {
	return fmt.Sprintf("PARENT#%s", parentID)
}

// DocumentVersion keys: PK=INST#{instanceID}, SK=DOC#{documentID}
func documentSK(documentID string) string {
	return fmt.Sprintf("DOC#%s", documentID)
}

// Documents by project: GSI1PK=PROJ#{projectID}#DOC, GSI1SK=MSG#{messageID}#{ordering key}#{version}
func projectDocumentsGSI1PK(projectID string) string {
	return fmt.Sprintf("PROJ#%s#DOC", projectID)
}

func documentGSI1SK(doc placeflow.DocumentVersion) string {
	return fmt.Sprintf("MSG#%s#%s#%06d", doc.MessageID, doc.OrderingIndex.Key(), doc.Version)
}

// Global documents: GSI2PK=SCOPE#global#DOC, GSI2SK as GSI1SK
func globalDocumentsGSI2PK() string {
	return fmt.Sprintf("SCOPE#%s#DOC", placeflow.ScopeGlobal)
}

// Root ordering counter: PK=COUNTER#root, SK=META
func rootCounterPK() string {
	return "COUNTER#root"
}

// Prefix for range queries
func documentPrefix() string {
	return "DOC#"
}
