package types

import "testing"

func TestHealthStatus_Worse(t *testing.T) {
	tests := []struct {
		a, b HealthStatus
		want HealthStatus
	}{
		{HealthHealthy, HealthHealthy, HealthHealthy},
		{HealthHealthy, HealthDegraded, HealthDegraded},
		{HealthUnhealthy, HealthDegraded, HealthUnhealthy},
		{HealthDegraded, HealthUnknown, HealthUnknown},
	}

	for _, tt := range tests {
		if got := tt.a.Worse(tt.b); got != tt.want {
			t.Errorf("%s.Worse(%s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestHealthStatus_Serving(t *testing.T) {
	for s, want := range map[HealthStatus]bool{
		HealthHealthy:   true,
		HealthDegraded:  true,
		HealthUnhealthy: false,
		HealthUnknown:   false,
	} {
		if got := s.Serving(); got != want {
			t.Errorf("%s.Serving() = %v, want %v", s, got, want)
		}
	}
}
