package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"gitopsdelivery/pkg/core"
)

func TestPrometheusSourceUtilization(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		query := r.Form.Get("query")
		queries = append(queries, query)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(query, "ratio") {
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"NaN"]}]}}`))
			return
		}
		if strings.Contains(query, "empty") {
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"0.9"]}]}}`))
	}))
	defer server.Close()

	source, err := NewPrometheusSource(server.URL, map[string]string{
		"cpu":   `avg(cpu{namespace="{{.Namespace}}",workload="{{.Name}}"})`,
		"empty": `empty{workload="{{.Name}}"}`,
		"ratio": `ratio{workload="{{.Name}}"}`,
	}, 0, logr.Discard())
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	key := core.ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web"}
	samples, err := source.Utilization(context.Background(), key, []string{"cpu"})
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if samples["cpu"] != 0.9 {
		t.Fatalf("expected 0.9, got %v", samples["cpu"])
	}
	if len(queries) != 1 || queries[0] != `avg(cpu{namespace="shop",workload="web"})` {
		t.Fatalf("unexpected rendered queries %v", queries)
	}

	samples, err = source.Utilization(context.Background(), key, []string{"cpu", "ratio"})
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if _, ok := samples["ratio"]; ok || samples["cpu"] != 0.9 {
		t.Fatalf("expected the NaN sample to be dropped, got %v", samples)
	}

	if _, err := source.Utilization(context.Background(), key, []string{"empty"}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for empty vector, got %v", err)
	}
	if _, err := source.Utilization(context.Background(), key, []string{"memory"}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for unknown metric, got %v", err)
	}
}
