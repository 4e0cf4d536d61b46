package config

// Transaction size limits. A notary rejects transactions above these at the
// protocol boundary.
const (
	MaxTxInputs     = 2500
	MaxTxReferences = 2500
	MaxTxOutputs    = 2500
	MaxOutputData   = 65_536 // 64 KB per output
)

// MaxSignRequestSize caps a sign request (transaction plus dependencies) on
// any transport.
const MaxSignRequestSize = 16 << 20
