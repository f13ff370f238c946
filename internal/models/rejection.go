package models

// RejectionReason names why a raw candle was not accepted. The empty reason
// means the candle was accepted.
type RejectionReason string

const (
	RejectNone             RejectionReason = ""
	RejectMalformedRecord  RejectionReason = "MalformedRecord"
	RejectInvalidTimestamp RejectionReason = "InvalidTimestamp"
	RejectNonPositivePrice RejectionReason = "NonPositivePrice"
	RejectNegativeVolume   RejectionReason = "NegativeVolume"
	RejectInvertedRange    RejectionReason = "InvertedRange"
)

// AllRejectionReasons lists every non-empty reason in check order.
var AllRejectionReasons = []RejectionReason{
	RejectMalformedRecord,
	RejectInvalidTimestamp,
	RejectNonPositivePrice,
	RejectNegativeVolume,
	RejectInvertedRange,
}

// String returns the reason name, or "Accepted" for the empty reason.
func (r RejectionReason) String() string {
	if r == RejectNone {
		return "Accepted"
	}
	return string(r)
}

// Rejection records one raw candle that the validator refused.
type Rejection struct {
	Product string
	Index   int
	Raw     RawCandle
	Reason  RejectionReason
	Detail  string
}
