// Package configdrive builds the config drive attached to an instance on
// first boot.
//
// The drive is an ISO 9660 image labelled "config-2" in the OpenStack
// config-drive layout, which cloud-init and cloudbase-init read without a
// metadata service:
//
//	openstack/latest/meta_data.json     instance identity, keys, files
//	openstack/latest/network_data.json  links, networks and DNS services
//	openstack/latest/user_data          #cloud-config for cloud-init
//	openstack/content/NNNN              injected file contents
package configdrive

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/naming"
)

// Paths inside the drive.
const (
	MetaDataPath    = "openstack/latest/meta_data.json"
	NetworkDataPath = "openstack/latest/network_data.json"
	UserDataPath    = "openstack/latest/user_data"
	contentDir      = "openstack/content"
)

// MetaData is openstack/latest/meta_data.json.
type MetaData struct {
	UUID        string            `json:"uuid"`
	Name        string            `json:"name"`
	Hostname    string            `json:"hostname"`
	LaunchIndex int               `json:"launch_index"`
	Meta        map[string]string `json:"meta,omitempty"`
	PublicKeys  map[string]string `json:"public_keys,omitempty"`
	AdminPass   string            `json:"admin_pass,omitempty"`
	Files       []FileRef         `json:"files,omitempty"`
}

// FileRef points at an injected file stored under openstack/content.
type FileRef struct {
	Path        string `json:"path"`
	ContentPath string `json:"content_path"`
}

// NetworkData is openstack/latest/network_data.json.
type NetworkData struct {
	Links    []Link    `json:"links"`
	Networks []Network `json:"networks"`
	Services []Service `json:"services"`
}

// Link is one guest interface.
type Link struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	MAC  string `json:"ethernet_mac_address"`
	MTU  int    `json:"mtu,omitempty"`
	VIF  string `json:"vif_id"`
}

// Network is one address configured on a link.
type Network struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Link      string  `json:"link"`
	IPAddress string  `json:"ip_address"`
	Netmask   string  `json:"netmask"`
	NetworkID string  `json:"network_id,omitempty"`
	Routes    []Route `json:"routes"`
}

// Route is a static route of a network.
type Route struct {
	Network string `json:"network"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway"`
}

// Service is a network service such as a DNS server.
type Service struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// UserData is the cloud-config written to user_data.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string   `yaml:"hostname"`
	FQDN              string   `yaml:"fqdn,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	SSHPasswordAuth   bool     `yaml:"ssh_pwauth"`
	Output            *Output  `yaml:"output,omitempty"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// hostname returns the guest hostname of inst: spec.hostname, or the
// instance name.
func hostname(inst *v1alpha1.Instance) string {
	if inst.Spec.Hostname != "" {
		return inst.Spec.Hostname
	}
	return inst.Name
}

// BuildMetaData returns meta_data.json for inst. files are referenced by
// their content path; their bytes are written separately.
func BuildMetaData(inst *v1alpha1.Instance, adminPassword string, files []v1alpha1.File) MetaData {
	md := MetaData{
		UUID:      inst.UUID(),
		Name:      inst.Name,
		Hostname:  hostname(inst),
		Meta:      inst.Spec.Metadata,
		AdminPass: adminPassword,
	}
	if len(inst.Spec.SSHKeys) > 0 {
		md.PublicKeys = make(map[string]string, len(inst.Spec.SSHKeys))
		for i, key := range inst.Spec.SSHKeys {
			md.PublicKeys[fmt.Sprintf("key-%d", i)] = key
		}
	}
	for i, f := range files {
		md.Files = append(md.Files, FileRef{Path: f.Path, ContentPath: contentPath(i)})
	}
	return md
}

// contentPath is the content_path of the i-th injected file as referenced
// from meta_data.json.
func contentPath(i int) string {
	return fmt.Sprintf("/content/%04d", i)
}

// BuildNetworkData returns network_data.json for the interfaces of an
// instance. Every IP of a subnet becomes one network on the link of its VIF.
func BuildNetworkData(network v1alpha1.NetworkInfo) (NetworkData, error) {
	nd := NetworkData{Links: []Link{}, Networks: []Network{}, Services: []Service{}}
	seenDNS := map[string]bool{}

	for i, vif := range network {
		linkID := fmt.Sprintf("tap%d", i)
		if vif.ID != "" {
			linkID = naming.InterfaceNameFromID(vif.ID)
		}
		nd.Links = append(nd.Links, Link{
			ID:   linkID,
			Type: "phy",
			MAC:  vif.Address,
			MTU:  vif.Network.MTU,
			VIF:  vif.ID,
		})

		for _, subnet := range vif.Network.Subnets {
			_, ipnet, err := net.ParseCIDR(subnet.CIDR)
			if err != nil {
				return NetworkData{}, fmt.Errorf("invalid subnet %q on interface %s: %w", subnet.CIDR, vif.Address, err)
			}
			kind := "ipv4"
			if subnet.Version == 6 {
				kind = "ipv6"
			}

			var routes []Route
			if subnet.Gateway != "" {
				def := Route{Network: "0.0.0.0", Netmask: "0.0.0.0", Gateway: subnet.Gateway}
				if kind == "ipv6" {
					def = Route{Network: "::", Netmask: "::", Gateway: subnet.Gateway}
				}
				routes = append(routes, def)
			}
			for _, r := range subnet.Routes {
				_, dst, err := net.ParseCIDR(r.CIDR)
				if err != nil {
					return NetworkData{}, fmt.Errorf("invalid route %q: %w", r.CIDR, err)
				}
				routes = append(routes, Route{
					Network: dst.IP.String(),
					Netmask: net.IP(dst.Mask).String(),
					Gateway: r.Gateway,
				})
			}
			if routes == nil {
				routes = []Route{}
			}

			for _, ip := range subnet.IPs {
				nd.Networks = append(nd.Networks, Network{
					ID:        fmt.Sprintf("network%d", len(nd.Networks)),
					Type:      kind,
					Link:      linkID,
					IPAddress: ip,
					Netmask:   net.IP(ipnet.Mask).String(),
					NetworkID: vif.Network.ID,
					Routes:    routes,
				})
			}

			for _, dns := range subnet.DNS {
				if seenDNS[dns] {
					continue
				}
				seenDNS[dns] = true
				nd.Services = append(nd.Services, Service{Type: "dns", Address: dns})
			}
		}
	}
	return nd, nil
}

// BuildUserData returns the #cloud-config document for inst.
func BuildUserData(inst *v1alpha1.Instance) (string, error) {
	name := hostname(inst)
	ud := UserData{
		Hostname:          strings.SplitN(name, ".", 2)[0],
		SSHAuthorizedKeys: inst.Spec.SSHKeys,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}
	if strings.Contains(name, ".") {
		ud.FQDN = name
	}

	out, err := yaml.Marshal(&ud)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}

// Contents returns every file of the config drive of inst keyed by its
// path inside the drive.
func Contents(inst *v1alpha1.Instance, adminPassword string, files []v1alpha1.File) (map[string][]byte, error) {
	if inst == nil {
		return nil, fmt.Errorf("instance cannot be nil")
	}

	out := make(map[string][]byte, 3+len(files))

	md, err := json.Marshal(BuildMetaData(inst, adminPassword, files))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta_data.json: %w", err)
	}
	out[MetaDataPath] = md

	network, err := BuildNetworkData(inst.Spec.Network)
	if err != nil {
		return nil, err
	}
	nd, err := json.Marshal(network)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal network_data.json: %w", err)
	}
	out[NetworkDataPath] = nd

	ud, err := BuildUserData(inst)
	if err != nil {
		return nil, err
	}
	out[UserDataPath] = []byte(ud)

	for i, f := range files {
		out[contentDir+strings.TrimPrefix(contentPath(i), "/content")] = f.Contents
	}
	return out, nil
}
