package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldPayload    = "payload"    // raw []byte to reduce allocs (no base64)
	fieldProducedAt = "producedAt" // int64 ns
	fieldPropPrefix = "prop:"      // JSON-encoded scalar per property
)
