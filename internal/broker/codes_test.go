package broker

import "testing"

func TestErrorCodeClassification(t *testing.T) {
	tests := []struct {
		code     int
		info     bool
		connLoss bool
	}{
		{CodeClientIDInUse, false, false},
		{CodeConnectivityLost, false, true},
		{CodeConnectivityRestored, true, false},
		{CodeSocketDropped, false, true},
		{2104, true, false},
		{2158, true, false},
		{502, false, true}, // 5xx family means the socket is gone
		{599, false, true},
		{600, false, false},
		{201, false, false}, // order rejected: neither chatter nor loss
	}

	for _, tt := range tests {
		if got := IsInformational(tt.code); got != tt.info {
			t.Errorf("IsInformational(%d)=%v, expected %v", tt.code, got, tt.info)
		}
		if got := IsConnectionLoss(tt.code); got != tt.connLoss {
			t.Errorf("IsConnectionLoss(%d)=%v, expected %v", tt.code, got, tt.connLoss)
		}
	}
}

func TestStatusSets(t *testing.T) {
	for _, s := range LiveStatuses {
		if IsTerminal(s) {
			t.Errorf("%s is in both live and terminal sets", s)
		}
	}
	if !IsLive(StatusReconciling) {
		t.Error("RECONCILING must count as live so re-entered passes pick it up")
	}
	if !IsTerminal(StatusInactive) {
		t.Error("Inactive must be terminal")
	}
}
