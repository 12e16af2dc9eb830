package runtime

// Rent policy. An account must hold enough balance to cover two years of
// rent on its footprint or the host rejects the allocation.

const (
	// accountStorageOverhead is the metadata footprint charged on top of
	// the data buffer.
	accountStorageOverhead = 128

	// lamportsPerByteYear is the annual rent rate per byte.
	lamportsPerByteYear = 3480

	// exemptionThresholdYears is how many years of rent the balance must
	// cover for exemption.
	exemptionThresholdYears = 2
)

// MinimumBalance returns the smallest balance that rent-exempts an account
// with the given data length.
func MinimumBalance(dataLen int) uint64 {
	return uint64(accountStorageOverhead+dataLen) * lamportsPerByteYear * exemptionThresholdYears
}

// IsRentExempt reports whether the balance covers the exemption threshold
// for the given data length.
func IsRentExempt(lamports uint64, dataLen int) bool {
	return lamports >= MinimumBalance(dataLen)
}
