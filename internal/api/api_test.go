package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store, *int) {
	t.Helper()
	st := memory.New()
	wakes := 0
	a := New(nil, st, func() { wakes++ })
	mux := http.NewServeMux()
	a.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, st, &wakes
}

const pipelineJSON = `{
  "pipeline": {
    "name": "train",
    "inputs": [{"name": "learning_rate", "default": "0.01"}],
    "tasks": [
      {
        "id": "trainer",
        "component": {
          "name": "trainer",
          "inputs": [{"name": "lr"}],
          "outputs": [{"name": "model"}],
          "container": {
            "image": "example.com/trainer:1",
            "args": [{"input_value": "lr"}, {"output_uri": "model"}]
          }
        },
        "arguments": {"lr": {"graph_input": "learning_rate"}}
      }
    ]
  }
}`

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSubmitRunCreatesPendingExecution(t *testing.T) {
	server, st, wakes := newTestServer(t)

	resp := postJSON(t, server.URL+"/runs", pipelineJSON)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/runs/") {
		t.Fatalf("location = %q, want /runs/<id>", loc)
	}
	var created struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	decodeInto(t, resp, &created)
	if created.Status != string(domain.RunPending) {
		t.Fatalf("status = %s, want pending", created.Status)
	}
	if *wakes != 1 {
		t.Fatalf("wakes = %d, want 1", *wakes)
	}

	executions, err := st.ListExecutions(context.Background(), created.RunID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(executions) != 1 || executions[0].Status != domain.TaskPending || executions[0].Attempt != 1 {
		t.Fatalf("executions = %+v, want one pending first attempt", executions)
	}
}

func TestSubmitRunAcceptsYAML(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := `
pipeline:
  name: train
  tasks:
    - id: trainer
      component:
        name: trainer
        outputs:
          - name: model
        container:
          image: example.com/trainer:1
          args:
            - output_uri: model
`
	resp, err := http.Post(server.URL+"/runs", "application/yaml", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
}

func TestSubmitRunRejectsInvalidPipeline(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := `{"pipeline": {"name": "broken", "tasks": [{"id": "t", "component": {"name": "c", "container": {"image": ""}}}]}}`
	resp := postJSON(t, server.URL+"/runs", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var errBody struct {
		Error   string `json:"error"`
		Details struct {
			Issues []string `json:"issues"`
		} `json:"details"`
	}
	decodeInto(t, resp, &errBody)
	if errBody.Error != "invalid_pipeline" || len(errBody.Details.Issues) == 0 {
		t.Fatalf("error body = %+v, want invalid_pipeline with issues", errBody)
	}
}

func TestSubmitRunRejectsMissingRequiredInput(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := strings.Replace(pipelineJSON, `"default": "0.01"`, `"type": "Float"`, 1)
	resp := postJSON(t, server.URL+"/runs", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestSubmitRunRejectsUndeclaredInput(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := strings.Replace(pipelineJSON, `"pipeline": {`, `"inputs": {"mystery": "1"}, "pipeline": {`, 1)
	resp := postJSON(t, server.URL+"/runs", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestGetRunReportsTaskState(t *testing.T) {
	server, _, _ := newTestServer(t)

	created := postJSON(t, server.URL+"/runs", pipelineJSON)
	var run struct {
		RunID string `json:"run_id"`
	}
	decodeInto(t, created, &run)

	resp, err := http.Get(server.URL + "/runs/" + run.RunID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var detail struct {
		Status string `json:"status"`
		Tasks  []struct {
			TaskID  string `json:"task_id"`
			Status  string `json:"status"`
			Attempt int    `json:"attempt"`
		} `json:"tasks"`
	}
	decodeInto(t, resp, &detail)
	if len(detail.Tasks) != 1 || detail.Tasks[0].TaskID != "trainer" || detail.Tasks[0].Status != string(domain.TaskPending) {
		t.Fatalf("detail = %+v, want pending trainer task", detail)
	}
}

func TestGetRunNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/runs/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	server, st, wakes := newTestServer(t)

	created := postJSON(t, server.URL+"/runs", pipelineJSON)
	var run struct {
		RunID string `json:"run_id"`
	}
	decodeInto(t, created, &run)

	resp := postJSON(t, server.URL+"/runs/"+run.RunID+"/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if *wakes != 2 {
		t.Fatalf("wakes = %d, want submit and cancel to wake the controller", *wakes)
	}

	stored, err := st.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !stored.CancelRequested {
		t.Fatal("cancel flag was not persisted")
	}
}
