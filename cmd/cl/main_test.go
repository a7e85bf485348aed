package main

import (
	"strings"
	"testing"

	"caterline/internal/domain"
)

func TestEventEmitHelpAdvertisesAcceptedTypes(t *testing.T) {
	cmd := eventEmitCmd()
	help := cmd.Short + " " + cmd.Flags().Lookup("type").Usage
	for _, et := range []string{domain.EventPickedUp, domain.EventInTransit, domain.EventDelivered} {
		if !strings.Contains(help, et) {
			t.Errorf("help %q does not mention accepted type %q", help, et)
		}
	}
	for _, stale := range []string{"pickedUp", "inTransit"} {
		if strings.Contains(help, stale) {
			t.Errorf("help advertises %q, which ValidEventType rejects", stale)
		}
	}
}
