package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/randomizedcoder/go-ragstack-launcher/internal/config"
)

// checkMetric scrapes a Prometheus text exposition and reports ready when
// the named metric is present with a value >= 1. This gates readiness on
// services that expose an "up"-style gauge before their real endpoints
// accept work (model proxies that report a build/loaded flag, exporters
// with a <subsystem>_up gauge).
func (p *Prober) checkMetric(ctx context.Context, spec config.ProbeSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	// Parse Prometheus text format
	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode error: %w", err)
		}
		if mf.GetName() != spec.Metric {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if familyValue(&mf, metric) >= 1 {
				return nil
			}
		}
		return fmt.Errorf("metric %q present but below 1", spec.Metric)
	}

	return fmt.Errorf("metric %q not found in exposition", spec.Metric)
}

// familyValue extracts the sample value for the family's type.
func familyValue(mf *dto.MetricFamily, metric *dto.Metric) float64 {
	switch mf.GetType() {
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_UNTYPED:
		return metric.GetUntyped().GetValue()
	default:
		return 0
	}
}
