package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/partsdesk/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestSystemServiceFillsBuildMetadata(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Minute)
	backends := map[string]string{"store": "postgres", "mail": "kafka"}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{"store": {Status: domain.HealthStatusOK}},
		}},
		Clock: func() time.Time { return now },
		Build: BuildInfo{Version: "1.4.0", CommitSHA: "9f2c1e", Environment: "prod", StartedAt: start, Backends: backends},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	backends["store"] = "memory"

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK || report.Version != "1.4.0" || report.CommitSHA != "9f2c1e" || report.Environment != "prod" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Uptime != 90*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected timing uptime=%s generatedAt=%s", report.Uptime, report.GeneratedAt)
	}
	if report.Backends["store"] != "postgres" || report.Backends["mail"] != "kafka" {
		t.Fatalf("backends must be copied at construction, got %v", report.Backends)
	}
}

func TestSystemServiceStatusFolding(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		{"no checks", nil, domain.HealthStatusOK},
		{"all ok", map[string]domain.SystemHealthCheck{"store": {Status: domain.HealthStatusOK}, "redis": {}}, domain.HealthStatusOK},
		{"secret manager degraded", map[string]domain.SystemHealthCheck{"store": {Status: domain.HealthStatusOK}, "secretManager": {Status: domain.HealthStatusDegraded}}, domain.HealthStatusDegraded},
		{"store down", map[string]domain.SystemHealthCheck{"store": {Status: domain.HealthStatusError}, "secretManager": {Status: domain.HealthStatusDegraded}}, domain.HealthStatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{Checks: tc.checks}}})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, report.Status)
			}
			if report.Checks == nil {
				t.Fatalf("checks must never be nil")
			}
		})
	}
}

func TestSystemServiceKeepsRepositoryStatus(t *testing.T) {
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{
		Status: domain.HealthStatusError,
		Checks: map[string]domain.SystemHealthCheck{"store": {Status: domain.HealthStatusOK}},
	}}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil || report.Status != domain.HealthStatusError {
		t.Fatalf("repository status must win, got %s %v", report.Status, err)
	}
}

func TestSystemServiceErrors(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error without a health repository")
	}
	collectErr := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: collectErr}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, collectErr) {
		t.Fatalf("expected collect error, got %v", err)
	}
}
