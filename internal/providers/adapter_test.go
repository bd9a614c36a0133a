package providers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/carbonlens/internal/domain"
)

func TestRegistryLookup(t *testing.T) {
	registry := Default(GoogleOptions{}, GraphOptions{})
	require.Equal(t, []domain.Provider{
		domain.ProviderGmail,
		domain.ProviderGoogleDrive,
		domain.ProviderGoogleMeet,
		domain.ProviderMicrosoftTeams,
		domain.ProviderOneDrive,
		domain.ProviderOutlook,
	}, registry.Providers())

	adapter, err := registry.Lookup(" Gmail ")
	require.NoError(t, err)
	require.Equal(t, "gmail_message_id", adapter.ExternalIDField())
	require.Equal(t, domain.FamilyGoogle, adapter.Family())

	_, err = registry.Lookup(domain.ProviderWeb)
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestParseAddresses(t *testing.T) {
	got := parseAddresses(`"Ann" <ann@example.com>, bob@example.org`, "ANN@example.com; carol.d@sub.example.co")
	require.Equal(t, []string{"ann@example.com", "bob@example.org", "carol.d@sub.example.co"}, got)
	require.Empty(t, parseAddresses("", "undisclosed-recipients:;"))
}

func TestParseProviderTime(t *testing.T) {
	ts, err := parseProviderTime("2025-01-02T03:04:05.0000000")
	require.NoError(t, err)
	require.Equal(t, 3, ts.Hour())

	_, err = parseProviderTime("02/01/2025")
	require.Error(t, err)
}
