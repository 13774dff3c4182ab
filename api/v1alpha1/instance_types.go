package v1alpha1

// Instance is a guest VM managed through the lifecycle orchestrator.
//
// Spec carries what the instance should look like (flavor, image, network,
// block devices); Status carries what was last observed or recorded by an
// operation.
type Instance struct {
	TypeMeta   `json:",inline" yaml:",inline"`
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Spec   InstanceSpec   `json:"spec" yaml:"spec"`
	Status InstanceStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// InstanceSpec is the desired configuration of an instance.
type InstanceSpec struct {
	// UUID identifies the instance everywhere outside the hypervisor.
	UUID string `json:"uuid" yaml:"uuid"`

	// Hostname is injected into the guest on first boot.
	// +optional
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`

	Flavor Flavor    `json:"flavor" yaml:"flavor"`
	Image  ImageMeta `json:"image" yaml:"image"`

	// KernelID and RamdiskID reference separate boot files for PV guests.
	// Either both or neither must be set.
	// +optional
	KernelID  string `json:"kernelID,omitempty" yaml:"kernelID,omitempty"`
	RamdiskID string `json:"ramdiskID,omitempty" yaml:"ramdiskID,omitempty"`

	// OSType is "linux" or "windows".
	// +optional
	OSType string `json:"osType,omitempty" yaml:"osType,omitempty"`

	// VMMode is "xen" (paravirtual) or "hvm". Derived from the image when empty.
	// +optional
	VMMode string `json:"vmMode,omitempty" yaml:"vmMode,omitempty"`

	// AutoDiskConfig lets the guest grow its root partition on boot.
	// +optional
	AutoDiskConfig bool `json:"autoDiskConfig,omitempty" yaml:"autoDiskConfig,omitempty"`

	// ConfigDrive attaches a config-drive ISO on first boot.
	// +optional
	ConfigDrive bool `json:"configDrive,omitempty" yaml:"configDrive,omitempty"`

	// Metadata is user metadata mirrored into the guest param store.
	// +optional
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// SSHKeys are public keys injected by the guest agent.
	// +optional
	SSHKeys []string `json:"sshKeys,omitempty" yaml:"sshKeys,omitempty"`

	// Host is the hypervisor host currently running the instance.
	// +optional
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Network describes the virtual interfaces to plug.
	// +optional
	Network NetworkInfo `json:"network,omitempty" yaml:"network,omitempty"`

	// SecurityGroups name the traffic filter groups the instance joins.
	// +optional
	SecurityGroups []string `json:"securityGroups,omitempty" yaml:"securityGroups,omitempty"`

	// BlockDevices maps external volumes into the guest.
	// +optional
	BlockDevices *BlockDeviceInfo `json:"blockDevices,omitempty" yaml:"blockDevices,omitempty"`
}

// Flavor is the resource shape of an instance.
type Flavor struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	MemoryMB    int    `json:"memoryMB" yaml:"memoryMB"`
	VCPUs       int    `json:"vcpus" yaml:"vcpus"`
	RootGB      int    `json:"rootGB" yaml:"rootGB"`
	EphemeralGB int    `json:"ephemeralGB,omitempty" yaml:"ephemeralGB,omitempty"`
	SwapMB      int    `json:"swapMB,omitempty" yaml:"swapMB,omitempty"`
}

// ImageMeta describes the boot image.
type ImageMeta struct {
	ID string `json:"id" yaml:"id"`
	// DiskFormat is one of raw, vhd, qcow2, iso, ami, aki, ari.
	DiskFormat string            `json:"diskFormat,omitempty" yaml:"diskFormat,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// NetworkInfo is the ordered list of interfaces for an instance.
type NetworkInfo []VIF

// VIF is one virtual interface.
type VIF struct {
	ID      string  `json:"id" yaml:"id"`
	Address string  `json:"address" yaml:"address"`
	Network Network `json:"network" yaml:"network"`
}

// Network is the network a VIF is plugged into.
type Network struct {
	ID      string   `json:"id,omitempty" yaml:"id,omitempty"`
	Label   string   `json:"label" yaml:"label"`
	Bridge  string   `json:"bridge" yaml:"bridge"`
	MTU     int      `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	Subnets []Subnet `json:"subnets,omitempty" yaml:"subnets,omitempty"`
}

// Subnet is an addressed segment of a network.
type Subnet struct {
	CIDR    string   `json:"cidr" yaml:"cidr"`
	Version int      `json:"version" yaml:"version"`
	Gateway string   `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	DNS     []string `json:"dns,omitempty" yaml:"dns,omitempty"`
	IPs     []string `json:"ips,omitempty" yaml:"ips,omitempty"`
	Routes  []Route  `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// Route is a static route announced to the guest.
type Route struct {
	CIDR    string `json:"cidr" yaml:"cidr"`
	Gateway string `json:"gateway" yaml:"gateway"`
}

// BlockDeviceInfo lists external volumes mapped into the guest.
type BlockDeviceInfo struct {
	RootDeviceName string               `json:"rootDeviceName,omitempty" yaml:"rootDeviceName,omitempty"`
	Mapping        []BlockDeviceMapping `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// BlockDeviceMapping maps one volume to a guest device name.
type BlockDeviceMapping struct {
	MountDevice    string         `json:"mountDevice" yaml:"mountDevice"`
	ConnectionInfo ConnectionInfo `json:"connectionInfo" yaml:"connectionInfo"`
}

// ConnectionInfo tells the volume layer how to reach a volume.
type ConnectionInfo struct {
	// DriverVolumeType is e.g. "iscsi", "rbd" or "file".
	DriverVolumeType string            `json:"driverVolumeType" yaml:"driverVolumeType"`
	Data             map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
}

// InstanceStatus is the recorded state of an instance.
type InstanceStatus struct {
	// State is the lifecycle state; empty means untracked.
	// +optional
	State InstanceState `json:"state,omitempty" yaml:"state,omitempty"`

	// Progress is the percentage of the running operation.
	// +optional
	Progress int `json:"progress,omitempty" yaml:"progress,omitempty"`

	// DomainUUID is the hypervisor-side identifier.
	// +optional
	DomainUUID string `json:"domainUUID,omitempty" yaml:"domainUUID,omitempty"`

	// +optional
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// InstanceState is a lifecycle state.
type InstanceState string

// Lifecycle states.
const (
	StateAbsent      InstanceState = "Absent"
	StateBuilding    InstanceState = "Building"
	StateRunning     InstanceState = "Running"
	StateStopped     InstanceState = "Stopped"
	StatePaused      InstanceState = "Paused"
	StateSuspended   InstanceState = "Suspended"
	StateRescued     InstanceState = "Rescued"
	StateResizing    InstanceState = "Resizing"
	StateMigrating   InstanceState = "Migrating"
	StateSoftDeleted InstanceState = "SoftDeleted"
	StateDestroyed   InstanceState = "Destroyed"
)

// Condition types recorded on instances.
const (
	// ConditionFault is True after an operation failed and was rolled back.
	ConditionFault = "Fault"
)

// File is a file injected into the guest on first boot.
type File struct {
	Path     string `json:"path" yaml:"path"`
	Contents []byte `json:"contents" yaml:"contents"`
}
