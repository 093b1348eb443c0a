package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stomaflow/bridge/internal/config"
	"github.com/stomaflow/bridge/internal/model"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(config.CRM{
		WebhookURL:     srv.URL,
		MaxRetries:     3,
		RetryDelays:    "0",
		RateLimit:      1000,
		RequestTimeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return client, &calls
}

func writeResult(w http.ResponseWriter, result any) {
	json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func TestRetriesTransientFailuresOnce(t *testing.T) {
	var failures int32 = 2
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeResult(w, map[string]any{"ID": 7, "STAGE_ID": "NEW"})
	})

	deal, err := client.GetDeal(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, "7", deal.ID)
	require.Equal(t, int32(3), atomic.LoadInt32(calls), "two failures, then success")
}

func TestExhaustedRetriesSurfaceTransient(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	var _, err = client.GetDeal(context.Background(), "7")
	require.Equal(t, model.KindCRMTransient, model.KindOf(err))
	require.Equal(t, int32(3), atomic.LoadInt32(calls), "max attempts, no more")
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	var err = client.UpdateDeal(context.Background(), "7", map[string]any{"TITLE": "x"})
	require.Equal(t, model.KindCRMValidation, model.KindOf(err))
	require.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestAuthErrorsAreNotRetried(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	var err = client.Ping(context.Background())
	require.Equal(t, model.KindCRMValidation, model.KindOf(err))
	require.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestQuotaEnvelopeIsTransient(t *testing.T) {
	var quota int32 = 1
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&quota, -1) >= 0 {
			json.NewEncoder(w).Encode(map[string]any{
				"error": "QUERY_LIMIT_EXCEEDED", "error_description": "slow down",
			})
			return
		}
		writeResult(w, 42)
	})

	id, err := client.CreateDeal(context.Background(), map[string]any{"TITLE": "x"})
	require.NoError(t, err)
	require.Equal(t, "42", id)
	require.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestAPIErrorEnvelopeIsValidation(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": "NOT_FOUND", "error_description": "deal missing",
		})
	})

	var _, err = client.GetDeal(context.Background(), "404")
	require.Equal(t, model.KindCRMValidation, model.KindOf(err))
	require.Contains(t, err.Error(), "NOT_FOUND")
}

func TestEmptyBatchInputsMakeNoCalls(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected")
	})
	var ctx = context.Background()

	out, err := client.Batch(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, out)

	contacts, err := client.FindContactsByPhones(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, contacts)

	deals, err := client.FindDealsByExternalIDs(ctx, []string{})
	require.NoError(t, err)
	require.Empty(t, deals)

	leads, err := client.FindLeadsByContactIDs(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, leads)

	byPhone, err := client.FindLeadsByPhones(ctx, []string{""})
	require.NoError(t, err)
	require.Empty(t, byPhone)

	require.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestBatchChunksAtFifty(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Cmd map[string]string `json:"cmd"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.LessOrEqual(t, len(body.Cmd), 50)

		var results = make(map[string]any, len(body.Cmd))
		for label := range body.Cmd {
			results[label] = []any{}
		}
		writeResult(w, map[string]any{"result": results})
	})

	var commands = make(map[string]string, 120)
	for i := 0; i < 120; i++ {
		commands["label"+string(rune('a'+i%26))+string(rune('a'+i/26))] = "crm.deal.list?"
	}
	out, err := client.Batch(context.Background(), commands)
	require.NoError(t, err)
	require.Len(t, out, 120)
	require.Equal(t, int32(3), atomic.LoadInt32(calls), "120 commands in chunks of 50")
}

func TestFindContactsByPhonesKeysEveryRequest(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Cmd map[string]string `json:"cmd"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		var results = make(map[string]any, len(body.Cmd))
		for label, cmd := range body.Cmd {
			if label == "c0" { // first phone matches
				results[label] = []map[string]any{{"ID": 55}}
			} else {
				results[label] = []any{}
			}
			require.Contains(t, cmd, "crm.contact.list?")
		}
		writeResult(w, map[string]any{"result": results})
	})

	out, err := client.FindContactsByPhones(context.Background(),
		[]string{"+79123456789", "+79990000000"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"+79123456789": "55",
		"+79990000000": "",
	}, out)
}

func TestFindDealsByExternalIDs(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Cmd map[string]string `json:"cmd"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		var results = make(map[string]any, len(body.Cmd))
		for label := range body.Cmd {
			if label == "d0" {
				results[label] = []map[string]any{{
					"ID": "900", "STAGE_ID": "TREATMENT",
					"CONTACT_ID": 55, "UF_CRM_EXTERNAL_ID": "F1_101",
				}}
			} else {
				results[label] = []any{}
			}
		}
		writeResult(w, map[string]any{"result": results})
	})

	out, err := client.FindDealsByExternalIDs(context.Background(), []string{"F1_101", "F1_102"})
	require.NoError(t, err)
	require.Equal(t, &Deal{
		ID: "900", StageID: "TREATMENT", ContactID: "55", ExternalID: "F1_101",
	}, out["F1_101"])
	require.Nil(t, out["F1_102"])
}

func TestFindLeadsByPhonesGoesThroughContacts(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Cmd map[string]string `json:"cmd"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		var results = make(map[string]any, len(body.Cmd))
		for label, cmd := range body.Cmd {
			switch {
			case label == "c0": // contact lookup
				results[label] = []map[string]any{{"ID": 55}}
			case label == "l0": // lead lookup by the found contact
				require.Contains(t, cmd, "crm.lead.list?")
				results[label] = []map[string]any{{
					"ID": 12, "STATUS_ID": "IN_PROCESS", "CONTACT_ID": 55,
				}}
			default:
				results[label] = []any{}
			}
		}
		writeResult(w, map[string]any{"result": results})
	})

	out, err := client.FindLeadsByPhones(context.Background(), []string{"+79123456789"})
	require.NoError(t, err)
	require.Equal(t, &Lead{ID: "12", StatusID: "IN_PROCESS", ContactID: "55"}, out["+79123456789"])
	require.Equal(t, int32(2), atomic.LoadInt32(calls), "one contact batch, one lead batch")
}

func TestConvertLeadParsesBothIDs(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{"DEAL_ID": 900, "CONTACT_ID": "55"})
	})

	dealID, contactID, err := client.ConvertLead(context.Background(), "12")
	require.NoError(t, err)
	require.Equal(t, "900", dealID)
	require.Equal(t, "55", contactID)
}

func TestAppendNoteIsOneRoundTrip(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm.deal.update.json", r.URL.Path)
		writeResult(w, true)
	})

	require.NoError(t, client.AppendNote(context.Background(), "900", "plan updated"))
	require.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestFindDealsByContactWithoutExternalIDFiltersClaimed(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm.deal.list.json", r.URL.Path)
		writeResult(w, []map[string]any{
			{"ID": 1, "STAGE_ID": "NEW", "CONTACT_ID": 55, "UF_CRM_EXTERNAL_ID": "F1_1"},
			{"ID": 2, "STAGE_ID": "TREATMENT", "CONTACT_ID": 55},
		})
	})

	deals, err := client.FindDealsByContactWithoutExternalID(context.Background(), "55")
	require.NoError(t, err)
	require.Len(t, deals, 1)
	require.Equal(t, "2", deals[0].ID)
}
