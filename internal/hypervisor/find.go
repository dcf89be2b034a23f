package hypervisor

import (
	"context"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
)

// Lookup carries the identifiers the inventory holds for a VM. Any field
// may be empty; at least the UUID is normally present.
type Lookup struct {
	UUID string
	IP   string
	Name string
}

// FindVM locates a VM by instance UUID, then BIOS UUID, then primary IP,
// then DNS name. The first hit wins; lookup errors count as misses so a
// stale identifier never masks a later match.
func (s *Session) FindVM(ctx context.Context, l Lookup) (*object.VirtualMachine, error) {
	si := object.NewSearchIndex(s.Client.Client)

	var ref object.Reference
	if l.UUID != "" {
		ref, _ = si.FindByUuid(ctx, s.Datacenter, l.UUID, true, types.NewBool(true))
		if ref == nil {
			ref, _ = si.FindByUuid(ctx, s.Datacenter, l.UUID, true, types.NewBool(false))
		}
	}
	if ref == nil && l.IP != "" {
		ref, _ = si.FindByIp(ctx, s.Datacenter, l.IP, true)
	}
	if ref == nil && l.Name != "" {
		ref, _ = si.FindByDnsName(ctx, s.Datacenter, l.Name, true)
	}

	if vm, ok := ref.(*object.VirtualMachine); ok {
		return vm, nil
	}
	return nil, faults.NotFoundf("virtual machine not found on hypervisor (uuid/ip/name all missed)")
}
