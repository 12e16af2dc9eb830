// Package types provides well-known program addresses shared with the host.
package types

// Native program addresses. Same values as Solana mainnet and X1.
var (
	// SystemProgramAddr owns every account before a program claims it.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// BPFLoaderUpgradeableAddr owns deployed upgradeable programs.
	BPFLoaderUpgradeableAddr = MustPubkeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

	// LoaderV4Addr is the Loader V4 address.
	LoaderV4Addr = MustPubkeyFromBase58("LoaderV411111111111111111111111111111111111")

	// NativeLoaderAddr owns built-in programs.
	NativeLoaderAddr = MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")
)

// Sysvar addresses the engine may see in handle lists.
var (
	// SysvarClockAddr is the Clock sysvar address.
	SysvarClockAddr = MustPubkeyFromBase58("SysvarC1ock11111111111111111111111111111111")

	// SysvarRentAddr is the Rent sysvar address.
	SysvarRentAddr = MustPubkeyFromBase58("SysvarRent111111111111111111111111111111111")

	// SysvarInstructionsAddr is the Instructions sysvar address.
	SysvarInstructionsAddr = MustPubkeyFromBase58("Sysvar1nstructions1111111111111111111111111")
)

// IsNativeProgram returns true if the pubkey is a native loader or program.
func IsNativeProgram(p Pubkey) bool {
	switch p {
	case SystemProgramAddr,
		BPFLoaderUpgradeableAddr,
		LoaderV4Addr,
		NativeLoaderAddr:
		return true
	default:
		return false
	}
}

// IsSysvar returns true if the pubkey is a sysvar account.
func IsSysvar(p Pubkey) bool {
	switch p {
	case SysvarClockAddr,
		SysvarRentAddr,
		SysvarInstructionsAddr:
		return true
	default:
		return false
	}
}
