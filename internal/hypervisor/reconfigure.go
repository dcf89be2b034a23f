package hypervisor

import (
	"context"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
)

// ResetIdentity renames a freshly registered VM and clears everything
// that ties it to its source: BIOS and location UUIDs are regenerated
// and every ethernet card gets a generated MAC. With disconnectNIC the
// cards also start disconnected, so a clone cannot collide with the
// source's address on first boot.
func (s *Session) ResetIdentity(ctx context.Context, vm *object.VirtualMachine, name string, disconnectNIC bool, timeout time.Duration) error {
	devices, err := vm.Device(ctx)
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to read device list", err)
	}

	var changes []types.BaseVirtualDeviceConfigSpec
	for _, dev := range devices.SelectByType((*types.VirtualEthernetCard)(nil)) {
		nic, ok := dev.(types.BaseVirtualEthernetCard)
		if !ok {
			continue
		}
		card := nic.GetVirtualEthernetCard()
		card.AddressType = string(types.VirtualEthernetCardMacTypeGenerated)
		card.MacAddress = ""
		if disconnectNIC && card.Connectable != nil {
			card.Connectable.Connected = false
			card.Connectable.StartConnected = false
		}
		changes = append(changes, &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationEdit,
			Device:    dev,
		})
	}

	spec := types.VirtualMachineConfigSpec{
		Name:         name,
		DeviceChange: changes,
		ExtraConfig: []types.BaseOptionValue{
			&types.OptionValue{Key: "uuid.action", Value: "create"},
			&types.OptionValue{Key: "uuid.bios", Value: ""},
			&types.OptionValue{Key: "uuid.location", Value: ""},
		},
	}
	task, err := vm.Reconfigure(ctx, spec)
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to start identity reset", err)
	}
	_, err = s.WaitTask(ctx, task, "reset identity", timeout)
	return err
}

// ReconnectNICs marks every ethernet card connected and connect-at-boot.
func (s *Session) ReconnectNICs(ctx context.Context, vm *object.VirtualMachine, timeout time.Duration) error {
	devices, err := vm.Device(ctx)
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to read device list", err)
	}

	var changes []types.BaseVirtualDeviceConfigSpec
	for _, dev := range devices.SelectByType((*types.VirtualEthernetCard)(nil)) {
		nic, ok := dev.(types.BaseVirtualEthernetCard)
		if !ok {
			continue
		}
		card := nic.GetVirtualEthernetCard()
		if card.Connectable != nil {
			card.Connectable.Connected = true
			card.Connectable.StartConnected = true
		}
		changes = append(changes, &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationEdit,
			Device:    dev,
		})
	}
	if len(changes) == 0 {
		return nil
	}

	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{DeviceChange: changes})
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to start nic reconnect", err)
	}
	_, err = s.WaitTask(ctx, task, "reconnect nic", timeout)
	return err
}

// Rename renames the VM on the hypervisor.
func (s *Session) Rename(ctx context.Context, vm *object.VirtualMachine, name string, timeout time.Duration) error {
	task, err := vm.Rename(ctx, name)
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to start rename", err)
	}
	_, err = s.WaitTask(ctx, task, "rename", timeout)
	return err
}

// SetAnnotation replaces the VM's annotation text.
func (s *Session) SetAnnotation(ctx context.Context, vm *object.VirtualMachine, text string, timeout time.Duration) error {
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{Annotation: text})
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to start annotation update", err)
	}
	_, err = s.WaitTask(ctx, task, "update annotation", timeout)
	return err
}
