// Package store persists device records. The core reads devices and
// mutates only their status; conditional status updates are the single
// point where concurrent transitions are arbitrated.
package store

import (
	"fmt"

	"infusionrelay/models"
)

// FormatDeviceID renders the n-th registered pump id, e.g. PUMP_0001.
func FormatDeviceID(n int) string {
	return fmt.Sprintf("PUMP_%04d", n)
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
