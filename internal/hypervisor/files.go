package hypervisor

import (
	"context"
	"time"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/opsnav/opsnav/internal/faults"
)

// SplitDatastorePath splits "[datastore1] dir/file.vmx" into the
// datastore name and the relative path.
func SplitDatastorePath(p string) (ds string, rel string, err error) {
	var dp object.DatastorePath
	if !dp.FromString(p) {
		return "", "", faults.Validationf("cannot parse datastore path: %q", p)
	}
	return dp.Datastore, dp.Path, nil
}

// DeletePath removes a datastore file or directory tree.
func (s *Session) DeletePath(ctx context.Context, name string, timeout time.Duration) error {
	fm := object.NewFileManager(s.Client.Client)
	task, err := fm.DeleteDatastoreFile(ctx, name, s.Datacenter)
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to start delete of "+name, err)
	}
	_, err = s.WaitTask(ctx, task, "delete "+name, timeout)
	return err
}

// MakeDirectory creates a datastore directory, parents included. An
// already existing directory is not an error.
func (s *Session) MakeDirectory(ctx context.Context, name string) error {
	fm := object.NewFileManager(s.Client.Client)
	err := fm.MakeDirectory(ctx, name, s.Datacenter, true)
	if err == nil || isFileAlreadyExists(err) {
		return nil
	}
	return faults.Wrap(faults.KindHypervisor, "failed to create directory "+name, err)
}

func isFileAlreadyExists(err error) bool {
	if !soap.IsSoapFault(err) {
		return false
	}
	_, ok := soap.ToSoapFault(err).VimFault().(types.FileAlreadyExists)
	return ok
}

// CopyFile copies a datastore file, overwriting any existing target.
func (s *Session) CopyFile(ctx context.Context, src, dst string, timeout time.Duration) error {
	fm := object.NewFileManager(s.Client.Client)
	task, err := fm.CopyDatastoreFile(ctx, src, s.Datacenter, dst, s.Datacenter, true)
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to start copy of "+src, err)
	}
	_, err = s.WaitTask(ctx, task, "copy "+src, timeout)
	return err
}

// CopyDisk copies a virtual disk through the disk manager so all of its
// extents move together, overwriting any existing target.
func (s *Session) CopyDisk(ctx context.Context, src, dst string, timeout time.Duration) error {
	dm := object.NewVirtualDiskManager(s.Client.Client)
	task, err := dm.CopyVirtualDisk(ctx, src, s.Datacenter, dst, s.Datacenter, nil, true)
	if err != nil {
		return faults.Wrap(faults.KindHypervisor, "failed to start disk copy of "+src, err)
	}
	_, err = s.WaitTask(ctx, task, "copy disk "+src, timeout)
	return err
}

// RegisterVM registers a config file as a new VM in the datacenter's VM
// folder and returns the resulting object.
func (s *Session) RegisterVM(ctx context.Context, vmxPath, name string, pool *object.ResourcePool, host *object.HostSystem, timeout time.Duration) (*object.VirtualMachine, error) {
	folders, err := s.Datacenter.Folders(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindHypervisor, "failed to resolve datacenter folders", err)
	}
	task, err := folders.VmFolder.RegisterVM(ctx, vmxPath, name, false, pool, host)
	if err != nil {
		return nil, faults.Wrap(faults.KindHypervisor, "failed to start register of "+name, err)
	}
	info, err := s.WaitTask(ctx, task, "register "+name, timeout)
	if err != nil {
		return nil, err
	}
	ref, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return nil, faults.Hypervisorf("register %s returned no object reference", name)
	}
	return object.NewVirtualMachine(s.Client.Client, ref), nil
}
