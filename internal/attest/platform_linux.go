//go:build linux

package attest

import "log/slog"

// PlatformAuthority selects the hardware signing capability for this host:
// the TPM when requested and present, the software authority otherwise.
func PlatformAuthority(useTPM bool, log *slog.Logger) Authority {
	if log == nil {
		log = slog.Default()
	}
	if useTPM {
		if t := DetectTPM(); t != nil {
			log.Info("using tpm signing authority")
			return t
		}
		log.Warn("tpm requested but not available, using software authority")
	}
	return NewSoftwareAuthority()
}
