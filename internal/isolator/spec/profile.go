package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SecurityProfile is the set of capability, filesystem, and network
// restrictions applied at container creation. Applied once; never mutated.
type SecurityProfile struct {
	// CapAdd is the explicit capability allow-list. All other capabilities
	// are dropped.
	CapAdd []string `json:"cap_add"`
	// NoNewPrivileges disables privilege escalation via setuid binaries.
	NoNewPrivileges bool `json:"no_new_privileges"`
	// ReadOnlyRootfs mounts the container root filesystem read-only.
	ReadOnlyRootfs bool `json:"read_only_rootfs"`
	// TmpfsSize caps the writable scratch mount at /tmp, e.g. "100m".
	TmpfsSize string `json:"tmpfs_size"`
	// SeccompProfile is a host path to a Docker seccomp profile JSON.
	// Empty means the engine default.
	SeccompProfile string `json:"seccomp_profile,omitempty"`
	// NetworkEnabled attaches the container to the isolated bridge.
	// Disabled means network mode none.
	NetworkEnabled bool `json:"network_enabled"`
}

// DefaultSecurityProfile returns the baseline restrictions for untrusted code.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		CapAdd:          []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID"},
		NoNewPrivileges: true,
		ReadOnlyRootfs:  true,
		TmpfsSize:       "100m",
		NetworkEnabled:  true,
	}
}

var knownCapabilities = map[string]struct{}{
	"CHOWN": {}, "DAC_OVERRIDE": {}, "FOWNER": {}, "FSETID": {},
	"KILL": {}, "SETGID": {}, "SETUID": {}, "SETPCAP": {},
	"NET_BIND_SERVICE": {}, "SYS_CHROOT": {}, "MKNOD": {},
	"AUDIT_WRITE": {}, "SETFCAP": {},
}

// Validate rejects profiles that would widen the sandbox beyond the
// engine-default capability set.
func (p SecurityProfile) Validate() error {
	for _, c := range p.CapAdd {
		name := strings.ToUpper(strings.TrimPrefix(c, "CAP_"))
		if _, ok := knownCapabilities[name]; !ok {
			return fmt.Errorf("capability %q is not allowed", c)
		}
	}
	if p.TmpfsSize == "" {
		return fmt.Errorf("tmpfs size is required")
	}
	return nil
}

// Hash returns a stable digest of the profile. Containers are reusable only
// when their profile hash matches exactly.
func (p SecurityProfile) Hash() string {
	canon := p
	canon.CapAdd = append([]string(nil), p.CapAdd...)
	for i, c := range canon.CapAdd {
		canon.CapAdd[i] = strings.ToUpper(strings.TrimPrefix(c, "CAP_"))
	}
	sort.Strings(canon.CapAdd)
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
