package tokens

/*
	Token accounting for context payloads. The estimate is a pure
	function of serialized payload size: deterministic for a given
	store instance, and monotonic (a strictly larger payload never
	costs less). The bytes-per-token ratio approximates common LLM
	tokenizers; swap in a real tokenizer through the Estimator
	interface if exact counts matter.
*/

const DefaultBytesPerToken = 4

type Estimator interface {
	Estimate(payload []byte) int
}

type SizeEstimator struct {
	bytesPerToken int
}

func NewSizeEstimator(bytesPerToken int) *SizeEstimator {
	if bytesPerToken <= 0 {
		bytesPerToken = DefaultBytesPerToken
	}
	return &SizeEstimator{bytesPerToken: bytesPerToken}
}

// Estimate rounds up, so any non-empty payload costs at least one token.
func (e *SizeEstimator) Estimate(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	return (len(payload) + e.bytesPerToken - 1) / e.bytesPerToken
}
