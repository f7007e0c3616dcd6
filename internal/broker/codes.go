package broker

// Recognized gateway error codes. The gateway reuses one numeric channel for
// hard failures, connectivity notices and plain chatter, so every code the
// bridge reacts to is listed here with its handling; anything else falls
// through to log-and-continue.
const (
	// CodeClientIDInUse means the requested client identity already has a
	// live session. The session manager retries with the next identity.
	CodeClientIDInUse = 326

	// Connection-class codes trigger the reconnect path.
	CodeConnectivityLost     = 1100
	CodeConnectivityRestored = 1102
	CodeSocketDropped        = 1300

	// Informational farm/status chatter, filtered before logging at info.
	CodeMarketDataFarmOK = 2104
	CodeHistDataFarmOK   = 2106
	CodeSecDefFarmOK     = 2158
	CodeWarningOrderHeld = 2109
)

// IsInformational reports whether a code is gateway chatter that must not be
// treated as a failure.
func IsInformational(code int) bool {
	switch code {
	case CodeConnectivityRestored, CodeMarketDataFarmOK, CodeHistDataFarmOK,
		CodeSecDefFarmOK, CodeWarningOrderHeld:
		return true
	}
	return false
}

// IsConnectionLoss reports whether a code signals the session is gone and a
// reconnect should be scheduled. The 5xx family is the gateway-unreachable
// class (could not connect, not connected, restart in progress).
func IsConnectionLoss(code int) bool {
	if code >= 500 && code < 600 {
		return true
	}
	return code == CodeConnectivityLost || code == CodeSocketDropped
}
