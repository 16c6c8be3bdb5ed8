package gateway

import "strings"

// Metadata keys attached to every intent.
const (
	MetadataCampaignID    = "campaign_id"
	MetadataParticipantID = "participant_id"
	MetadataDonorEmail    = "donor_email"
	MetadataDonorName     = "donor_name"
	MetadataMessage       = "message"
)

// MaxMetadataLength caps free-text values attached to an intent.
const MaxMetadataLength = 500

// IntentMetadata builds the metadata map for an intent. Empty values are
// omitted and free-text values are capped at MaxMetadataLength characters.
func IntentMetadata(params CreateIntentParams) map[string]string {
	md := make(map[string]string, 5)
	set := func(key, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		md[key] = Truncate(value, MaxMetadataLength)
	}

	set(MetadataCampaignID, params.CampaignID)
	set(MetadataParticipantID, params.ParticipantID)
	set(MetadataDonorEmail, params.DonorEmail)
	set(MetadataDonorName, params.DonorName)
	set(MetadataMessage, params.Message)
	return md
}

// Truncate shortens s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
