package crm

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/stomaflow/bridge/internal/model"
)

// batchLimit is the CRM's hard cap on sub-requests per batch call.
const batchLimit = 50

// Batch sends |commands| (label → REST command string) coalesced into batch
// calls of at most batchLimit sub-requests each, and returns the raw result
// per label. An empty input returns an empty map without any HTTP call.
// Labels whose sub-request failed are absent from the result; an over-quota
// sub-request fails the whole call as transient so the caller's retry covers
// every label.
func (c *Client) Batch(ctx context.Context, commands map[string]string) (map[string]json.RawMessage, error) {
	var results = make(map[string]json.RawMessage, len(commands))
	if len(commands) == 0 {
		return results, nil
	}

	var labels = make([]string, 0, len(commands))
	for label := range commands {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for start := 0; start < len(labels); start += batchLimit {
		var chunk = labels[start:min(start+batchLimit, len(labels))]
		var cmd = make(map[string]string, len(chunk))
		for _, label := range chunk {
			cmd[label] = commands[label]
		}

		var err = c.withRetry(ctx, "batch", func() error {
			raw, err := c.call(ctx, "batch", map[string]any{"halt": 0, "cmd": cmd})
			if err != nil {
				return err
			}
			var out struct {
				Result      map[string]json.RawMessage `json:"result"`
				ResultError map[string]struct {
					Error            string `json:"error"`
					ErrorDescription string `json:"error_description"`
				} `json:"result_error"`
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return model.Errorf(model.KindCRMTransient, "batch", "decode batch result: %w", err)
			}
			for label, sub := range out.ResultError {
				if sub.Error == rateLimitedCode {
					return model.Errorf(model.KindCRMTransient, "batch",
						"%s: %s", sub.Error, sub.ErrorDescription)
				}
				log.WithFields(log.Fields{
					"label": label,
					"error": sub.Error,
					"desc":  sub.ErrorDescription,
				}).Warn("batch sub-request failed")
			}
			for label, sub := range out.Result {
				results[label] = sub
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// FindContactsByPhones resolves normalized phones to contact ids in coalesced
// lookups. Every requested phone is a key of the result; unmatched phones map
// to the empty id.
func (c *Client) FindContactsByPhones(ctx context.Context, phones []string) (map[string]string, error) {
	var out = make(map[string]string, len(phones))
	var commands = make(map[string]string, len(phones))
	var byLabel = make(map[string]string, len(phones))
	for i, phone := range phones {
		if _, ok := out[phone]; ok || phone == "" {
			continue
		}
		out[phone] = ""
		var label = "c" + strconv.Itoa(i)
		byLabel[label] = phone
		commands[label] = listCommand("crm.contact.list",
			map[string]string{"PHONE": phone}, "ID")
	}

	results, err := c.Batch(ctx, commands)
	if err != nil {
		return nil, err
	}
	for label, raw := range results {
		var rows []contactRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, model.Errorf(model.KindCRMTransient, "crm.contact.list", "decode contacts: %w", err)
		}
		if len(rows) > 0 {
			out[byLabel[label]] = string(rows[0].ID)
		}
	}
	return out, nil
}

// FindDealsByExternalIDs resolves external ids to deals (with current stage)
// in coalesced lookups. Unmatched ids map to nil.
func (c *Client) FindDealsByExternalIDs(ctx context.Context, ids []string) (map[string]*Deal, error) {
	var out = make(map[string]*Deal, len(ids))
	var commands = make(map[string]string, len(ids))
	var byLabel = make(map[string]string, len(ids))
	for i, id := range ids {
		if _, ok := out[id]; ok || id == "" {
			continue
		}
		out[id] = nil
		var label = "d" + strconv.Itoa(i)
		byLabel[label] = id
		commands[label] = listCommand("crm.deal.list",
			map[string]string{FieldExternalID: id},
			"ID", "STAGE_ID", "CONTACT_ID", FieldExternalID)
	}

	results, err := c.Batch(ctx, commands)
	if err != nil {
		return nil, err
	}
	for label, raw := range results {
		var rows []dealRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, model.Errorf(model.KindCRMTransient, "crm.deal.list", "decode deals: %w", err)
		}
		if len(rows) > 0 {
			out[byLabel[label]] = rows[0].deal()
		}
	}
	return out, nil
}

// FindLeadsByContactIDs resolves contact ids to their open lead, if any.
// Unmatched contact ids map to nil.
func (c *Client) FindLeadsByContactIDs(ctx context.Context, contactIDs []string) (map[string]*Lead, error) {
	var out = make(map[string]*Lead, len(contactIDs))
	var commands = make(map[string]string, len(contactIDs))
	var byLabel = make(map[string]string, len(contactIDs))
	for i, id := range contactIDs {
		if _, ok := out[id]; ok || id == "" {
			continue
		}
		out[id] = nil
		var label = "l" + strconv.Itoa(i)
		byLabel[label] = id
		commands[label] = listCommand("crm.lead.list",
			map[string]string{"CONTACT_ID": id},
			"ID", "STATUS_ID", "CONTACT_ID")
	}

	results, err := c.Batch(ctx, commands)
	if err != nil {
		return nil, err
	}
	for label, raw := range results {
		var rows []leadRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, model.Errorf(model.KindCRMTransient, "crm.lead.list", "decode leads: %w", err)
		}
		if len(rows) > 0 {
			out[byLabel[label]] = rows[0].lead()
		}
	}
	return out, nil
}

// FindLeadsByPhones resolves phones to leads. The CRM does not index lead
// phone fields for list filters, so the lookup goes phone → contact → lead.
// Unmatched phones map to nil.
func (c *Client) FindLeadsByPhones(ctx context.Context, phones []string) (map[string]*Lead, error) {
	var out = make(map[string]*Lead, len(phones))
	for _, phone := range phones {
		if phone != "" {
			out[phone] = nil
		}
	}
	if len(out) == 0 {
		return out, nil
	}

	contacts, err := c.FindContactsByPhones(ctx, phones)
	if err != nil {
		return nil, err
	}
	var contactIDs []string
	for _, id := range contacts {
		if id != "" {
			contactIDs = append(contactIDs, id)
		}
	}
	leads, err := c.FindLeadsByContactIDs(ctx, contactIDs)
	if err != nil {
		return nil, err
	}
	for phone, contactID := range contacts {
		if contactID != "" {
			out[phone] = leads[contactID]
		}
	}
	return out, nil
}

// FindDealsByContactWithoutExternalID lists a contact's deals that no source
// row has claimed yet, oldest first. The external id field cannot be filtered
// for emptiness server-side, so the bridge filters the page here.
func (c *Client) FindDealsByContactWithoutExternalID(ctx context.Context, contactID string) ([]Deal, error) {
	var deals []Deal
	var err = c.withRetry(ctx, "crm.deal.list", func() error {
		raw, err := c.call(ctx, "crm.deal.list", map[string]any{
			"filter": map[string]string{"CONTACT_ID": contactID},
			"order":  map[string]string{"ID": "ASC"},
			"select": []string{"ID", "STAGE_ID", "CONTACT_ID", FieldExternalID},
		})
		if err != nil {
			return err
		}
		var rows []dealRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return model.Errorf(model.KindCRMTransient, "crm.deal.list", "decode deals: %w", err)
		}
		deals = deals[:0]
		for _, row := range rows {
			if row.ExternalID == "" {
				deals = append(deals, *row.deal())
			}
		}
		return nil
	})
	return deals, err
}

// listCommand renders a batch sub-request for a list endpoint.
func listCommand(method string, filter map[string]string, selects ...string) string {
	var v = url.Values{}
	for field, value := range filter {
		v.Set("filter["+field+"]", value)
	}
	for _, s := range selects {
		v.Add("select[]", s)
	}
	return method + "?" + v.Encode()
}
