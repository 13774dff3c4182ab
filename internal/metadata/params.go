// Package metadata keeps per-domain key/value state in libvirt's custom XML
// metadata: the identity of the VM record, the guest param store and the set
// of blocked operations in the persistent definition, and the live guest
// data in the running definition. Persistent state survives restarts of
// both the domain and the orchestrator; guest data goes away with the
// running domain.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// Namespace is the XML namespace of crucible metadata.
	Namespace = "http://crucible.cofront.xyz/v1alpha1"

	// Key is the element prefix used inside the domain XML.
	Key = "crucible"

	// GuestNamespace is the XML namespace of live guest data.
	GuestNamespace = "http://crucible.cofront.xyz/v1alpha1/guest"

	// GuestKey is the element prefix of live guest data.
	GuestKey = "crucibleguest"
)

// LibvirtClient is the subset of *libvirt.Libvirt used here.
type LibvirtClient interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Params is the persisted state of one domain.
type Params struct {
	// NameLabel is the name the orchestrator knows the VM by. It can differ
	// from the libvirt domain name, which cannot change while running.
	NameLabel string `yaml:"nameLabel,omitempty"`
	// UUID is the instance UUID requested at creation, if any.
	UUID        string            `yaml:"uuid,omitempty"`
	OtherConfig map[string]string `yaml:"otherConfig,omitempty"`
	// Data is the guest param store (vm-data/... keys).
	Data map[string]string `yaml:"data,omitempty"`
	// BlockedOperations maps an operation name to the reason it is blocked.
	BlockedOperations map[string]string `yaml:"blockedOperations,omitempty"`
}

// document is one metadata element of a domain.
type document struct {
	namespace string
	key       string
	impact    libvirt.DomainModificationImpact
}

var (
	paramsDoc = document{namespace: Namespace, key: Key, impact: libvirt.DomainAffectConfig}
	guestDoc  = document{namespace: GuestNamespace, key: GuestKey, impact: libvirt.DomainAffectLive}
)

// element wraps the YAML document. Character data is escaped on marshal, so
// arbitrary values are safe inside the domain XML.
type element struct {
	XMLName xml.Name `xml:"params"`
	Xmlns   string   `xml:"xmlns,attr"`
	Body    string   `xml:",chardata"`
}

func (d document) load(l LibvirtClient, dom libvirt.Domain, out any) error {
	raw, err := l.DomainGetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{d.namespace},
		d.impact,
	)
	if err != nil {
		if isMissing(err) {
			return nil
		}
		return fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var el element
	if err := xml.Unmarshal([]byte(raw), &el); err != nil {
		return fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}
	if err := yaml.Unmarshal([]byte(el.Body), out); err != nil {
		return fmt.Errorf("failed to unmarshal metadata from YAML: %w", err)
	}
	return nil
}

func (d document) store(l LibvirtClient, dom libvirt.Domain, in any) error {
	body, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(element{Xmlns: d.namespace, Body: string(body)})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{d.key},
		libvirt.OptString{d.namespace},
		d.impact,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}
	return nil
}

// Load returns the stored Params of dom. A domain without crucible metadata
// yields empty Params.
func Load(l LibvirtClient, dom libvirt.Domain) (*Params, error) {
	var p Params
	if err := paramsDoc.load(l, dom, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Store replaces the stored Params of dom.
func Store(l LibvirtClient, dom libvirt.Domain, p *Params) error {
	return paramsDoc.store(l, dom, p)
}

// Update loads, mutates and stores the Params of dom. Callers that race on
// the same domain must serialize.
func Update(l LibvirtClient, dom libvirt.Domain, mutate func(*Params)) error {
	p, err := Load(l, dom)
	if err != nil {
		return err
	}
	mutate(p)
	return Store(l, dom, p)
}

// AddParam sets a param store key.
func AddParam(l LibvirtClient, dom libvirt.Domain, key, value string) error {
	return Update(l, dom, func(p *Params) {
		if p.Data == nil {
			p.Data = make(map[string]string)
		}
		p.Data[key] = value
	})
}

// RemoveParam deletes a param store key. Removing a missing key is not an
// error.
func RemoveParam(l LibvirtClient, dom libvirt.Domain, key string) error {
	return Update(l, dom, func(p *Params) {
		delete(p.Data, key)
	})
}

// BlockOperation marks op as blocked on dom.
func BlockOperation(l LibvirtClient, dom libvirt.Domain, op, reason string) error {
	return Update(l, dom, func(p *Params) {
		if p.BlockedOperations == nil {
			p.BlockedOperations = make(map[string]string)
		}
		p.BlockedOperations[op] = reason
	})
}

// UnblockOperation clears a blocked operation.
func UnblockOperation(l LibvirtClient, dom libvirt.Domain, op string) error {
	return Update(l, dom, func(p *Params) {
		delete(p.BlockedOperations, op)
	})
}

// IsBlocked reports whether op is blocked on dom.
func IsBlocked(l LibvirtClient, dom libvirt.Domain, op string) (bool, error) {
	p, err := Load(l, dom)
	if err != nil {
		return false, err
	}
	_, ok := p.BlockedOperations[op]
	return ok, nil
}

// GuestData returns the live guest data of a running dom.
func GuestData(l LibvirtClient, dom libvirt.Domain) (map[string]string, error) {
	data := map[string]string{}
	if err := guestDoc.load(l, dom, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteGuestData sets a live guest data path. dom must be running.
func WriteGuestData(l LibvirtClient, dom libvirt.Domain, path, value string) error {
	data, err := GuestData(l, dom)
	if err != nil {
		return err
	}
	data[path] = value
	return guestDoc.store(l, dom, data)
}

// DeleteGuestData removes a live guest data path. dom must be running.
func DeleteGuestData(l LibvirtClient, dom libvirt.Domain, path string) error {
	data, err := GuestData(l, dom)
	if err != nil {
		return err
	}
	if _, ok := data[path]; !ok {
		return nil
	}
	delete(data, path)
	return guestDoc.store(l, dom, data)
}

func isMissing(err error) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code == uint32(libvirt.ErrNoDomainMetadata)
	}
	return false
}
