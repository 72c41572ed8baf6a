package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuthRefresh     ReasonCode = "auth_refresh"
	ReasonUpstreamFormat  ReasonCode = "upstream_format"
	ReasonUpstreamRequest ReasonCode = "upstream_request"
	ReasonContentFiltered ReasonCode = "content_filtered"
	ReasonImageEmpty      ReasonCode = "image_empty"

	ReasonFileInvalid  ReasonCode = "file_invalid"
	ReasonFileTooLarge ReasonCode = "file_too_large"

	ReasonAgentDisabled ReasonCode = "agent_disabled"
	ReasonAgentUnknown  ReasonCode = "agent_unknown"

	ReasonChannelAuth ReasonCode = "channel_auth"
	ReasonChannelSend ReasonCode = "channel_send"
)

// Retryable reports whether the outer retry wrapper should re-issue a call
// that failed with this reason. Validation failures, filtered content and
// routing-level conditions are surfaced as-is.
func Retryable(reason ReasonCode) bool {
	switch reason {
	case ReasonContentFiltered, ReasonFileInvalid, ReasonFileTooLarge,
		ReasonAgentDisabled, ReasonAgentUnknown:
		return false
	default:
		return true
	}
}
