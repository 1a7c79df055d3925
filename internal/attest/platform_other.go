//go:build !linux

package attest

import "log/slog"

// PlatformAuthority selects the hardware signing capability for this host.
// Hardware attestation is wired per platform; hosts without a binding use
// the software authority.
func PlatformAuthority(useTPM bool, log *slog.Logger) Authority {
	if log == nil {
		log = slog.Default()
	}
	if useTPM {
		log.Warn("hardware attestation not supported on this platform, using software authority")
	}
	return NewSoftwareAuthority()
}
