package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Custom CRM fields carried on deals. The external id field is the stable
// join key between a source appointment and its deal.
const (
	FieldExternalID    = "UF_CRM_EXTERNAL_ID"
	FieldTreatmentPlan = "UF_CRM_TREATMENT_PLAN"
)

// Deal is the subset of CRM deal fields the bridge reads.
type Deal struct {
	ID         string
	StageID    string
	ContactID  string
	ExternalID string
}

// Lead is the subset of CRM lead fields the bridge reads.
type Lead struct {
	ID        string
	StatusID  string
	ContactID string
}

// flexID tolerates the CRM's habit of returning entity ids as either JSON
// numbers or strings, depending on the endpoint.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte("false")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("id string: %w", err)
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type dealRow struct {
	ID         flexID `json:"ID"`
	StageID    string `json:"STAGE_ID"`
	ContactID  flexID `json:"CONTACT_ID"`
	ExternalID string `json:"UF_CRM_EXTERNAL_ID"`
}

func (r dealRow) deal() *Deal {
	return &Deal{
		ID:         string(r.ID),
		StageID:    r.StageID,
		ContactID:  string(r.ContactID),
		ExternalID: r.ExternalID,
	}
}

type leadRow struct {
	ID        flexID `json:"ID"`
	StatusID  string `json:"STATUS_ID"`
	ContactID flexID `json:"CONTACT_ID"`
}

func (r leadRow) lead() *Lead {
	return &Lead{
		ID:        string(r.ID),
		StatusID:  r.StatusID,
		ContactID: string(r.ContactID),
	}
}

type contactRow struct {
	ID flexID `json:"ID"`
}
