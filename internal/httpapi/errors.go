package httpapi

// wireErrorCode maps the internal error taxonomy to the user-visible wire
// tags spec.md §7 defines.
type wireErrorCode string

const (
	codeScreenUnknown    wireErrorCode = "screen_unknown"
	codeScreenBound      wireErrorCode = "screen_bound"
	codeDeviceRequired   wireErrorCode = "device_required"
	codeRateLimited      wireErrorCode = "rate_limited"
	codeBuildUnavailable wireErrorCode = "build_unavailable"
	codeBadRequest       wireErrorCode = "bad_request"
)

type errorBody struct {
	Code wireErrorCode `json:"code"`
}
