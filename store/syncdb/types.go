package syncdb

// PageRecord is the stored form of one cached feed page. Payload is the
// JSON-encoded item slice; in memory it is always identity-encoded, the
// store compresses transparently on write.
type PageRecord struct {
	PartitionKey    string `json:"partition_key"`
	Payload         []byte `json:"payload"`
	Encoding        string `json:"encoding"`
	Digest          string `json:"digest"`
	FetchedAtUnixMs int64  `json:"fetched_at_unix_ms"`
	ItemCount       int    `json:"item_count"`
}

// Payload encodings.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)
