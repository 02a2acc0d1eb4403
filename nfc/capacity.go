package nfc

import "unicode/utf8"

const (
	compactFieldRunes = 30
	compactEllipsis   = "..."
)

// CapacityPlan is the payload that will actually be written.
type CapacityPlan struct {
	Payload      TagPayload
	Message      []byte // encoded NDEF message
	OriginalSize int
	CompactSize  int // zero unless compaction ran
	Compacted    bool
}

// PlanCapacity encodes payload as a single text record message and fits it
// to maxSize bytes. maxSize <= 0 means the tag did not report a capacity.
// When the full message does not fit, long user strings are shortened; if
// that is still too large the returned error carries both sizes.
func PlanCapacity(payload TagPayload, maxSize int) (*CapacityPlan, error) {
	msg, err := encodePayloadMessage(payload)
	if err != nil {
		return nil, err
	}
	plan := &CapacityPlan{Payload: payload, Message: msg, OriginalSize: len(msg)}
	if maxSize <= 0 || len(msg) <= maxSize {
		return plan, nil
	}

	compact := CompactPayload(payload)
	compactMsg, err := encodePayloadMessage(compact)
	if err != nil {
		return nil, err
	}
	if len(compactMsg) > maxSize {
		return nil, NewCapacityError("PlanCapacity", len(msg), len(compactMsg), maxSize)
	}
	plan.Payload = compact
	plan.Message = compactMsg
	plan.CompactSize = len(compactMsg)
	plan.Compacted = true
	return plan, nil
}

// CompactPayload shortens every non-reserved string longer than 30
// characters to its first 30 characters plus "...".
func CompactPayload(payload TagPayload) TagPayload {
	out := payload.Clone()
	for k, v := range out {
		s, ok := v.(string)
		if !ok || IsReservedKey(k) || utf8.RuneCountInString(s) <= compactFieldRunes {
			continue
		}
		out[k] = truncateRunes(s, compactFieldRunes) + compactEllipsis
	}
	return out
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func encodePayloadMessage(payload TagPayload) ([]byte, error) {
	text, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return EncodeTextMessage(string(text))
}
