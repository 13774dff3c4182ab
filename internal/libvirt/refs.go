package libvirt

import (
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/hypervisor"
)

// VM handles are domain UUIDs. Device handles are "<domain uuid>/<key>",
// where key is the target dev of a disk or the MAC of an interface.

func domainRef(dom libvirt.Domain) hypervisor.Ref {
	return hypervisor.Ref(uuid.UUID(dom.UUID).String())
}

func parseDomainRef(ref hypervisor.Ref) (libvirt.UUID, error) {
	id, err := uuid.Parse(string(ref))
	if err != nil {
		return libvirt.UUID{}, &hypervisor.Failure{
			Code:    hypervisor.CodeHandleInvalid,
			Details: []string{"VM", string(ref)},
			Err:     err,
		}
	}
	return libvirt.UUID(id), nil
}

func deviceRef(vm hypervisor.Ref, key string) hypervisor.Ref {
	return hypervisor.Ref(string(vm) + "/" + key)
}

func splitDeviceRef(ref hypervisor.Ref) (vm hypervisor.Ref, key string, err error) {
	v, k, ok := strings.Cut(string(ref), "/")
	if !ok || v == "" || k == "" {
		return "", "", &hypervisor.Failure{
			Code:    hypervisor.CodeHandleInvalid,
			Details: []string{"device", string(ref)},
			Err:     fmt.Errorf("malformed device handle %q", ref),
		}
	}
	return hypervisor.Ref(v), k, nil
}
