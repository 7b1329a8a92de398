package adapters

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"text/template"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"gitopsdelivery/pkg/core"
)

// PrometheusSource answers utilization queries through the Prometheus HTTP API. Each metric name
// maps to a PromQL template rendered with the workload key, for example
// `avg(rate(container_cpu_usage_seconds_total{namespace="{{.Namespace}}",pod=~"{{.Name}}-.*"}[2m]))`.
type PrometheusSource struct {
	api     promv1.API
	queries map[string]*template.Template
	timeout time.Duration
	log     logr.Logger
}

// NewPrometheusSource connects to address and parses the query templates.
func NewPrometheusSource(address string, queries map[string]string, timeout time.Duration, log logr.Logger) (*PrometheusSource, error) {
	promClient, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return NewPrometheusSourceFromAPI(promv1.NewAPI(promClient), queries, timeout, log)
}

// NewPrometheusSourceFromAPI wraps an existing API client.
func NewPrometheusSourceFromAPI(promAPI promv1.API, queries map[string]string, timeout time.Duration, log logr.Logger) (*PrometheusSource, error) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	parsed := make(map[string]*template.Template, len(queries))
	for name, query := range queries {
		tmpl, err := template.New(name).Option("missingkey=error").Parse(query)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		parsed[name] = tmpl
	}
	return &PrometheusSource{api: promAPI, queries: parsed, timeout: timeout, log: log}, nil
}

// Utilization evaluates the query for each metric name and returns the first sample of each.
// NaN and infinite samples are left out, as if the metric had no data.
func (source *PrometheusSource) Utilization(ctx context.Context, key core.ResourceKey, metricNames []string) (map[string]float64, error) {
	samples := make(map[string]float64, len(metricNames))

	for _, metricName := range metricNames {
		tmpl, ok := source.queries[metricName]
		if !ok {
			return nil, fmt.Errorf("%w: no query for metric %s", core.ErrNotFound, metricName)
		}

		var query bytes.Buffer
		if err := tmpl.Execute(&query, key); err != nil {
			return nil, fmt.Errorf("render query %s: %w", metricName, err)
		}

		value, err := source.query(ctx, query.String())
		if err != nil {
			return nil, fmt.Errorf("metric %s for %s: %w", metricName, key, err)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			source.log.V(1).Info("dropping non-finite sample", "metric", metricName, "resource", key.String(), "value", value)
			continue
		}
		samples[metricName] = value
	}

	return samples, nil
}

func (source *PrometheusSource) query(ctx context.Context, query string) (float64, error) {
	requestContext, cancel := context.WithTimeout(ctx, source.timeout)
	defer cancel()

	result, warnings, err := source.api.Query(requestContext, query, time.Now())
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		source.log.V(1).Info("prometheus query warnings", "query", query, "warnings", warnings)
	}

	switch typed := result.(type) {
	case model.Vector:
		if len(typed) == 0 {
			return 0, fmt.Errorf("%w: empty result", core.ErrNotFound)
		}
		return float64(typed[0].Value), nil
	case *model.Scalar:
		return float64(typed.Value), nil
	default:
		return 0, fmt.Errorf("unsupported result type %s", result.Type())
	}
}
