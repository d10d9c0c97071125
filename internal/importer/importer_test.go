package importer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
)

func validToken(c byte) string {
	return strings.Repeat(string(c), 110)
}

func TestParseItems(t *testing.T) {
	items, err := ParseItems([]byte(`[{"refreshToken":"a"},{"refreshToken":"b"}]`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "b", items[1].RefreshToken)

	items, err = ParseItems([]byte(`{"refreshToken":"solo","provider":"BuilderId"}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "solo", items[0].RefreshToken)

	_, err = ParseItems([]byte("  \n "))
	require.ErrorContains(t, err, "empty token export")

	_, err = ParseItems([]byte(`{"refreshToken":`))
	require.ErrorContains(t, err, "parse token export")
}

func TestNormalizeAuthMethod(t *testing.T) {
	cases := []struct {
		authMethod string
		provider   string
		want       string
	}{
		{"", "", config.AuthMethodSocial},
		{"social", "", config.AuthMethodSocial},
		{"Social", "", config.AuthMethodSocial},
		{"idc", "", config.AuthMethodIdC},
		{"IdC", "", config.AuthMethodIdC},
		{"BuilderId", "", config.AuthMethodIdC},
		{"builder-id", "", config.AuthMethodIdC},
		{"", "BuilderId", config.AuthMethodIdC},
		{"", "Social", config.AuthMethodSocial},
		{"social", "idc", config.AuthMethodSocial}, // explicit method wins
		{"something-else", "", config.AuthMethodSocial},
	}
	for _, tc := range cases {
		got := NormalizeAuthMethod(Item{AuthMethod: tc.authMethod, Provider: tc.provider})
		require.Equal(t, tc.want, got, "authMethod=%q provider=%q", tc.authMethod, tc.provider)
	}
}

func TestItemCredential(t *testing.T) {
	item := Item{
		RefreshToken: "  " + validToken('a') + "  ",
		AccessToken:  "at",
		ExpiresAt:    "2026-01-01T00:00:00Z",
		ProfileArn:   "arn:aws:codewhisperer:us-east-1:123456789012:profile/EXAMPLEID",
		ClientID:     "cid",
		ClientSecret: "cs",
		AuthMethod:   "BuilderId",
		Email:        "dev@example.com",
	}
	cred := item.Credential()
	require.Equal(t, validToken('a'), cred.RefreshToken, "token is trimmed")
	require.Equal(t, config.AuthMethodIdC, cred.AuthMethod)
	require.Equal(t, "arn:aws:codewhisperer:us-east-1:123456789012:profile/EXAMPLEID", cred.ProfileArn)
	require.Equal(t, "cid", cred.ClientID)
	require.Equal(t, "dev@example.com", cred.Email)
}

func TestItemCredentialDropsMalformedArn(t *testing.T) {
	cred := Item{RefreshToken: validToken('a'), ProfileArn: "not-an-arn"}.Credential()
	require.Empty(t, cred.ProfileArn)
}

func TestRunDryRun(t *testing.T) {
	existing := []*pool.Credential{{ID: 1, RefreshToken: validToken('b')}}
	items := []Item{
		{RefreshToken: validToken('b')}, // duplicate of existing
		{RefreshToken: validToken('c')}, // new
		{RefreshToken: "short"},         // truncated
	}

	report, merged, err := Run(existing, items, true)
	require.NoError(t, err)
	require.Nil(t, merged, "dry run never builds the merged list")
	require.True(t, report.DryRun)
	require.Equal(t, 1, report.Imported)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.Invalid)

	require.Equal(t, ActionSkipped, report.Items[0].Action)
	require.Equal(t, "duplicate refresh token", report.Items[0].Reason)
	require.Equal(t, ActionImported, report.Items[1].Action)
	require.Zero(t, report.Items[1].ID, "ids are only assigned on apply")
	require.Equal(t, ActionInvalid, report.Items[2].Action)
	require.Contains(t, report.Items[2].Reason, "truncated")
}

func TestRunApply(t *testing.T) {
	existing := []*pool.Credential{{ID: 1, RefreshToken: validToken('b')}}
	items := []Item{
		{RefreshToken: validToken('c'), Provider: "BuilderId", ClientID: "cid", ClientSecret: "cs"},
	}

	report, merged, err := Run(existing, items, false)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	require.Equal(t, uint64(2), merged[1].ID, "new ids continue past the maximum")
	require.Equal(t, config.AuthMethodIdC, merged[1].AuthMethod)
	require.Equal(t, uint64(2), report.Items[0].ID)
	require.Len(t, existing, 1, "the input list is not modified")
}

func TestRunDedupesWithinBatch(t *testing.T) {
	items := []Item{
		{RefreshToken: validToken('c')},
		{RefreshToken: validToken('c')},
	}
	report, _, err := Run(nil, items, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Imported)
	require.Equal(t, 1, report.Skipped)
}

func TestRunDetectsDuplicateByPrefix(t *testing.T) {
	existing := []*pool.Credential{{ID: 1, RefreshToken: validToken('b')}}
	rotated := strings.Repeat("b", config.TokenDedupPrefixLen) + strings.Repeat("z", 78)
	report, _, err := Run(existing, []Item{{RefreshToken: rotated}}, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped, "a rotated suffix is still the same credential")
}
