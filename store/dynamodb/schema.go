package dynamodb

import "fmt"

// Single-table schema. A workflow record, its step records and its nap
// records all live under the same partition key so that FindRunData and a
// handful of steps can be read together if a backend ever wants to (the
// current operations always address one item, but the layout leaves room
// for that).
const (
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrEntityType = "entity_type"

	EntityTypeWorkflow = "Workflow"
	EntityTypeStep     = "Step"
	EntityTypeNap      = "Nap"

	// claimableGSI1PK is a constant partition holding every non-terminal
	// workflow, so Claim can query it instead of scanning the table. This
	// is the classic single-table "sparse index" trick: terminal workflows
	// stop writing GSI1PK/GSI1SK, so they drop out of the index for free.
	claimableGSI1PK = "CLAIMABLE"

	// IndexClaimable is the name of the GSI backing Claim.
	IndexClaimable = "GSI1"
)

func workflowPK(id string) string   { return fmt.Sprintf("WF#%s", id) }
func workflowSK() string            { return "META" }
func stepPK(workflowID string) string { return fmt.Sprintf("WF#%s", workflowID) }
func stepSK(stepID string) string     { return fmt.Sprintf("STEP#%s", stepID) }
func napPK(workflowID string) string   { return fmt.Sprintf("WF#%s", workflowID) }
func napSK(napID string) string        { return fmt.Sprintf("NAP#%s", napID) }

func stepSKPrefix() string { return "STEP#" }
func napSKPrefix() string  { return "NAP#" }

// claimableGSI1SK sorts lexically by status then by timeoutAt (RFC3339
// strings sort correctly as plain strings), so a query bounded above by
// "<status>#<now>" finds every candidate whose lease has expired.
func claimableGSI1SK(status, timeoutAtRFC3339 string) string {
	return fmt.Sprintf("%s#%s", status, timeoutAtRFC3339)
}
